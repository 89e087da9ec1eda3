// Package client provides a Go SDK for spatialsync servers. It speaks the
// JSON-over-WebSocket protocol, replays subscriptions after a reconnect and
// delivers server messages to registered handlers in arrival order.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/protocol"
	"github.com/zeusync/spatialsync/internal/core/spatial"
)

// Client represents a spatialsync client connection
type Client struct {
	// Connection management
	ws        *websocket.Conn
	writeMu   sync.Mutex
	sessionID atomic.Value // string

	// Subscriptions are replayed after a reconnect.
	subscriptions []protocol.Subscribe
	subsMu        sync.Mutex

	// Event handlers
	messageHandlers map[protocol.Kind][]MessageHandler
	eventHandlers   map[EventType][]EventHandler
	handlerMutex    sync.RWMutex

	// Lifecycle
	connected atomic.Bool
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	// Configuration and logging
	config Config
	logger log.Log

	// Background workers
	workerGroup sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// ServerURL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL       string
	Token           string
	ProtocolVersion string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// Reconnection
	Reconnect            bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	Logger log.Log
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerURL:            "ws://localhost:8080/ws",
		ProtocolVersion:      "1.2.0",
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         5 * time.Second,
		Reconnect:            true,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Message is one server message. Raw holds the full JSON object.
type Message struct {
	Type protocol.Kind
	Raw  json.RawMessage
}

// Decode unmarshals the message into v, typically one of the protocol
// outbound types.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// MessageHandler handles one server message. Handlers run on the receiver
// goroutine and must not block.
type MessageHandler func(msg Message) error

// EventHandler defines a function type for handling client events
type EventHandler func(event Event) error

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeReconnecting EventType = "reconnecting"
	EventTypeError        EventType = "error"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
	Error     error
}

// NewClient creates a new client. It does not connect.
func NewClient(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("%w: server url is required", ErrInvalidConfig)
	}
	if _, err := url.Parse(config.ServerURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	def := DefaultClientConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = def.ReconnectInterval
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		messageHandlers: make(map[protocol.Kind][]MessageHandler),
		eventHandlers:   make(map[EventType][]EventHandler),
		ctx:             ctx,
		cancel:          cancel,
		config:          config,
		logger:          logger.With(log.String("component", "spatialsync_client")),
	}, nil
}

// Connect dials the server and waits for the initial state.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("Connecting to server", log.String("url", c.config.ServerURL))

	ws, sessionID, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("Failed to connect to server",
			log.String("url", c.config.ServerURL),
			log.Error(err))
		return err
	}

	c.writeMu.Lock()
	if c.closed.Load() {
		c.writeMu.Unlock()
		_ = ws.Close()
		return ErrClientClosed
	}
	c.ws = ws
	c.writeMu.Unlock()
	c.sessionID.Store(sessionID)
	c.connected.Store(true)

	c.logger.Info("Connected to server", log.String("session_id", sessionID))

	c.workerGroup.Add(1)
	go c.messageReceiver(ws)

	c.emitEvent(Event{
		Type:      EventTypeConnected,
		Timestamp: time.Now(),
		Data:      map[string]any{"session_id": sessionID, "server_url": c.config.ServerURL},
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	q := u.Query()
	if c.config.ProtocolVersion != "" {
		q.Set("protocol", c.config.ProtocolVersion)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	ws, resp, err := dialer.DialContext(connectCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", ErrConnectionTimeout
		}
		return nil, "", fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	// The server speaks first.
	_ = ws.SetReadDeadline(time.Now().Add(c.config.ConnectTimeout))
	var initial protocol.InitialState
	msg, err := readMessage(ws)
	if err == nil && msg.Type != protocol.KindInitialState {
		err = fmt.Errorf("%w: expected %s, got %s", ErrInvalidMessage, protocol.KindInitialState, msg.Type)
	}
	if err == nil {
		err = msg.Decode(&initial)
	}
	if err != nil {
		_ = ws.Close()
		return nil, "", err
	}
	_ = ws.SetReadDeadline(time.Time{})
	return ws, initial.SessionID, nil
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	c.cancel()
	c.connected.Store(false)

	c.writeMu.Lock()
	ws := c.ws
	var err error
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteTimeout))
		err = ws.Close()
	}
	c.writeMu.Unlock()

	c.workerGroup.Wait()
	c.logger.Info("Client closed")
	return err
}

// Subscribe asks for the objects in region. The snapshot arrives as a
// subscription_data message. The subscription is renewed after reconnects.
func (c *Client) Subscribe(region spatial.BoundingBox, objectTypes ...string) error {
	msg := protocol.Subscribe{Region: region, ObjectTypes: objectTypes}
	if err := c.send(msg); err != nil {
		return err
	}
	c.subsMu.Lock()
	c.subscriptions = append(c.subscriptions, msg)
	c.subsMu.Unlock()
	return nil
}

// Update proposes changes to an object. A nil version applies them
// unconditionally.
func (c *Client) Update(id spatial.ObjectID, changes map[string]any, version *uint64) error {
	return c.send(protocol.Update{ObjectID: id, Changes: changes, Version: version})
}

// Query runs a collisions or relationships query. clearance is only used by
// collision queries; nil takes the server default.
func (c *Client) Query(queryType protocol.QueryType, id spatial.ObjectID, clearance *float64) error {
	return c.send(protocol.Query{QueryType: queryType, ObjectID: id, Clearance: clearance})
}

// Validate asks the server to check an object against its rules.
func (c *Client) Validate(id spatial.ObjectID) error {
	return c.send(protocol.Validate{ObjectID: id})
}

// Ping sends a ping; the server answers with a pong carrying nonce.
func (c *Client) Ping(nonce string) error {
	return c.send(protocol.Ping{Nonce: nonce})
}

// OnMessage registers a message handler for a specific message type
func (c *Client) OnMessage(kind protocol.Kind, handler MessageHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.messageHandlers[kind] = append(c.messageHandlers[kind], handler)
}

// OnEvent registers an event handler for a specific event type
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// SessionID returns the id the server assigned to the current connection.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsClosed returns true if the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

func (c *Client) send(msg protocol.Inbound) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := encodeInbound(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// messageReceiver reads from ws until it fails, then hands over to the
// reconnect logic.
func (c *Client) messageReceiver(ws *websocket.Conn) {
	defer c.workerGroup.Done()
	c.logger.Debug("Message receiver started")

	for {
		msg, err := readMessage(ws)
		if err != nil {
			var invalid *invalidMessageError
			if errors.As(err, &invalid) {
				c.logger.Warn("Skipping invalid message", log.Error(err))
				continue
			}
			c.handleDisconnect(err)
			c.logger.Debug("Message receiver stopped")
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage runs the handlers for msg in registration order.
func (c *Client) handleMessage(msg Message) {
	c.handlerMutex.RLock()
	handlers := c.messageHandlers[msg.Type]
	c.handlerMutex.RUnlock()

	for _, h := range handlers {
		if err := h(msg); err != nil {
			c.logger.Error("Message handler error",
				log.String("type", string(msg.Type)),
				log.Error(err))
		}
	}
}

func (c *Client) handleDisconnect(cause error) {
	c.connected.Store(false)
	if c.closed.Load() {
		return
	}

	c.logger.Warn("Connection lost", log.Error(cause))
	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now(), Error: cause})

	if !c.config.Reconnect || c.config.MaxReconnectAttempts <= 0 {
		return
	}
	if err := c.reconnect(); err != nil && !c.closed.Load() {
		c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: err})
	}
}

// reconnect redials at ReconnectInterval, then replays the subscriptions.
func (c *Client) reconnect() error {
	c.emitEvent(Event{Type: EventTypeReconnecting, Timestamp: time.Now()})

	attempt := 0
	b := retry.WithMaxRetries(uint64(c.config.MaxReconnectAttempts-1), retry.NewConstant(c.config.ReconnectInterval))
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		attempt++
		c.logger.Info("Reconnection attempt", log.Int("attempt", attempt))
		if err := c.connect(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("Reconnection failed", log.Int("attempts", attempt), log.Error(err))
		return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
	}

	c.subsMu.Lock()
	subs := append([]protocol.Subscribe(nil), c.subscriptions...)
	c.subsMu.Unlock()
	for _, sub := range subs {
		if err := c.send(sub); err != nil {
			c.logger.Warn("Failed to renew subscription", log.Error(err))
		}
	}
	c.logger.Info("Reconnected successfully", log.Int("subscriptions", len(subs)))
	return nil
}

// emitEvent emits an event to registered handlers
func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler) {
			if err := h(event); err != nil {
				c.logger.Error("Event handler error", log.Error(err))
			}
		}(handler)
	}
}

type invalidMessageError struct{ err error }

func (e *invalidMessageError) Error() string { return e.err.Error() }
func (e *invalidMessageError) Unwrap() error { return e.err }

func readMessage(ws *websocket.Conn) (Message, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var head struct {
		Type protocol.Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return Message{}, &invalidMessageError{err: fmt.Errorf("%w: %s", ErrInvalidMessage, data)}
	}
	return Message{Type: head.Type, Raw: data}, nil
}

// encodeInbound renders msg with its "type" field.
func encodeInbound(msg protocol.Inbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	fields["type"] = msg.Kind()
	return json.Marshal(fields)
}
