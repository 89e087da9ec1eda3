package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/session"
)

var _ session.Conn = (*wsConn)(nil)

// wsConn adapts a websocket connection to session.Conn. Writes go through a
// bounded queue drained by writePump, so Send never blocks the caller.
type wsConn struct {
	ws     *websocket.Conn
	out    chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	writeTimeout time.Duration
	pingInterval time.Duration
	logger       log.Log
}

func newWSConn(ws *websocket.Conn, config Config, logger log.Log) *wsConn {
	return &wsConn{
		ws:           ws,
		out:          make(chan []byte, config.OutboundBuffer),
		done:         make(chan struct{}),
		writeTimeout: config.WriteTimeout,
		pingInterval: config.PingInterval,
		logger:       logger,
	}
}

// Send queues data for the write pump.
func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return errors.Wrap(session.ErrTransport, ErrConnectionClosed.Error())
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errors.Wrap(session.ErrTransport, ErrConnectionClosed.Error())
	default:
		return errors.Wrap(session.ErrTransport, ErrOutboundFull.Error())
	}
}

// Close stops the write pump and closes the socket. Safe to call repeatedly.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		err = c.ws.Close()
	})
	return err
}

// writePump is the only writer of data frames. It also keeps the connection
// alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.out:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", log.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("Ping failed", log.Error(errors.Wrap(err, "write ping")))
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}
