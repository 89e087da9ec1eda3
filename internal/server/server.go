package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/protocol"
	"github.com/zeusync/spatialsync/internal/core/session"
	"github.com/zeusync/spatialsync/internal/core/store"
	coresync "github.com/zeusync/spatialsync/internal/core/sync"
	"github.com/zeusync/spatialsync/internal/core/validation"
)

// Server accepts client sessions over WebSocket and runs the background
// workers that keep them in sync with the store.
type Server struct {
	config Config

	store       store.Client
	registry    *session.Registry
	fanout      *session.Broadcaster
	coordinator *coresync.Coordinator
	queue       *coresync.Queue
	monitor     *coresync.Monitor
	decoder     *protocol.Decoder
	validator   *validation.Engine
	auth        *Authenticator
	negotiator  *Negotiator
	metrics     *metrics.Collector
	logger      log.Log

	upgrader websocket.Upgrader

	// State management
	running   atomic.Bool
	closed    atomic.Bool
	startedAt atomic.Pointer[time.Time]
	addr      atomic.Value // string
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// NewServer creates a server from its collaborators.
func NewServer(
	config Config,
	client store.Client,
	registry *session.Registry,
	fanout *session.Broadcaster,
	coordinator *coresync.Coordinator,
	queue *coresync.Queue,
	monitor *coresync.Monitor,
	decoder *protocol.Decoder,
	validator *validation.Engine,
	collector *metrics.Collector,
	logger log.Log,
) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	negotiator, err := NewNegotiator(config.ProtocolVersion, config.ProtocolConstraint)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:      config,
		store:       client,
		registry:    registry,
		fanout:      fanout,
		coordinator: coordinator,
		queue:       queue,
		monitor:     monitor,
		decoder:     decoder,
		validator:   validator,
		auth:        NewAuthenticator(config.Auth),
		negotiator:  negotiator,
		metrics:     collector,
		logger:      logger.With(log.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks are left to the token; tools connect without one.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}, nil
}

// Run listens on ListenAddr and blocks until ctx is done or Stop is called.
// It then stops accepting connections, flushes pending events and closes
// every session.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}
	defer close(s.done)

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.running.Store(false)
		s.closed.Store(true)
		return err
	}
	s.addr.Store(listener.Addr().String())
	now := time.Now()
	s.startedAt.Store(&now)

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Server started",
		log.String("listen_addr", listener.Addr().String()),
		log.Int("max_clients", s.config.MaxClients),
		log.String("protocol_version", s.negotiator.Version()),
		log.Bool("auth", s.auth.Enabled()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.queue.Run(gctx, s.coordinator.Process)
	})
	g.Go(func() error {
		return s.monitor.Run(gctx)
	})
	g.Go(func() error {
		s.healthMonitor(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.refuseConnections()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.config.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Hijacked connections are not covered by Shutdown. Handlers admitted
	// before refuseConnections are tracked by wg.
	s.refuseConnections()
	s.registry.Close()
	s.wg.Wait()
	s.running.Store(false)
	s.closed.Store(true)

	s.logger.Info("Server stopped", log.Error(err))
	return err
}

// admit counts a connection handler in wg unless shutdown has begun.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) refuseConnections() {
	s.mu.Lock()
	s.closed.Store(true)
	s.mu.Unlock()
}

// Stop asks a running server to shut down and waits until it has, or until
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return ErrServerNotRunning
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listen address once Run has started listening.
func (s *Server) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// IsRunning returns true if the server is running
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// healthMonitor disconnects sessions that have been silent for longer than
// ClientTimeout.
func (s *Server) healthMonitor(ctx context.Context) {
	if s.config.HealthCheckInterval <= 0 || s.config.ClientTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performHealthChecks()
		}
	}
}

// performHealthChecks performs health checks on all sessions
func (s *Server) performHealthChecks() {
	cutoff := time.Now().Add(-s.config.ClientTimeout)
	for _, id := range s.registry.Idle(cutoff) {
		s.logger.Info("Disconnecting idle session",
			log.String("session_id", id.String()),
			log.Duration("timeout", s.config.ClientTimeout))
		s.registry.Unregister(id)
	}
}
