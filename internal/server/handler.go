package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/protocol"
	"github.com/zeusync/spatialsync/internal/core/session"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
)

// handleWebSocket authenticates the request, upgrades it and serves the
// session until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	claims, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Warn("Rejected connection",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	if err := s.negotiator.Accept(r.URL.Query().Get("protocol")); err != nil {
		s.logger.Warn("Rejected connection", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.registry.Count() >= s.config.MaxClients {
		s.logger.Warn("Maximum clients reached, rejecting connection",
			log.String("remote_addr", r.RemoteAddr),
			log.Int("max_clients", s.config.MaxClients))
		http.Error(w, ErrMaxClientsReached.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Debug("WebSocket upgrade failed", log.Error(err))
		return
	}

	conn := newWSConn(ws, s.config, s.logger)
	id := s.registry.Register(conn)
	if s.closed.Load() {
		// Shutdown began after admission and may have missed this session.
		s.registry.Unregister(id)
		return
	}
	logger := s.logger.With(
		log.String("session_id", id.String()),
		log.String("remote_addr", r.RemoteAddr))
	if claims.Subject != "" {
		logger = logger.With(log.String("user", claims.Subject))
	}
	conn.logger = logger

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.writePump()
	}()

	s.reply(id, protocol.InitialState{
		SessionID:       id.String(),
		Timestamp:       time.Now().UTC(),
		ProtocolVersion: s.negotiator.Version(),
	})

	s.serveSession(id, ws, logger)
}

// serveSession is the session's read loop. Messages from one session are
// handled in arrival order.
func (s *Server) serveSession(id session.ID, ws *websocket.Conn, logger log.Log) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.registry.Unregister(id)

	// Oversized messages are refused by the decoder with a protocol error;
	// the socket limit only guards against abuse.
	ws.SetReadLimit(2 * s.config.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	ws.SetPongHandler(func(string) error {
		s.registry.Touch(id)
		return ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	var limiter *rate.Limiter
	if s.config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Connection lost", log.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.config.PongWait))

		s.metrics.Inc(metrics.MessagesReceived)
		s.registry.Touch(id)

		if limiter != nil && !limiter.Allow() {
			s.metrics.Inc(metrics.RateLimited)
			s.reply(id, protocol.Error{Code: protocol.CodeRateLimited, Message: "message rate exceeded"})
			continue
		}

		msg, err := s.decoder.Decode(data)
		if err != nil {
			s.metrics.Inc(metrics.ProtocolErrors)
			logger.Warn("Ignoring invalid message", log.Error(err))
			s.reply(id, protocol.Error{Code: protocol.CodeProtocol, Message: err.Error()})
			continue
		}

		s.dispatch(ctx, id, msg, logger)
	}
}

// dispatch routes a decoded message to its handler.
func (s *Server) dispatch(ctx context.Context, id session.ID, msg protocol.Inbound, logger log.Log) {
	switch m := msg.(type) {
	case protocol.Update:
		s.coordinator.HandleClientUpdate(ctx, id, m.ObjectID, m.Changes, m.Version)
	case protocol.Subscribe:
		s.handleSubscribe(ctx, id, m, logger)
	case protocol.Query:
		s.reply(id, s.handleQuery(ctx, m))
	case protocol.Validate:
		s.reply(id, s.handleValidate(ctx, m))
	case protocol.Ping:
		s.reply(id, protocol.Pong{Nonce: m.Nonce, Timestamp: time.Now().UTC()})
	default:
		logger.Warn("Unhandled message kind", log.String("kind", string(msg.Kind())))
	}
}

// handleSubscribe records the subscription and sends the region snapshot.
func (s *Server) handleSubscribe(ctx context.Context, id session.ID, m protocol.Subscribe, logger log.Log) {
	objects, err := s.registry.Subscribe(ctx, id, m.Region, m.ObjectTypes)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return
		}
		logger.Error("Subscription snapshot failed", log.Error(err))
		s.reply(id, protocol.Error{Code: protocol.CodeInternal, Message: errorMessage(err)})
		return
	}
	if objects == nil {
		objects = []spatial.Object{}
	}
	s.reply(id, protocol.SubscriptionData{
		Region:      m.Region,
		ObjectTypes: m.ObjectTypes,
		Objects:     objects,
	})
}

// handleQuery answers collision and relationship queries.
func (s *Server) handleQuery(ctx context.Context, m protocol.Query) protocol.QueryResult {
	res := protocol.QueryResult{QueryType: m.QueryType, ObjectID: m.ObjectID}

	switch m.QueryType {
	case protocol.QueryCollisions:
		clearance := s.config.DefaultClearance
		if m.Clearance != nil {
			clearance = *m.Clearance
		}
		collisions, err := s.store.CheckCollisions(ctx, m.ObjectID, clearance)
		if err != nil {
			res.Error = errorMessage(err)
			res.Results = []spatial.Collision{}
			return res
		}
		if collisions == nil {
			collisions = []spatial.Collision{}
		}
		res.Results = collisions

	case protocol.QueryRelationships:
		var (
			rels []spatial.Relationship
			err  = store.ErrUnsupported
		)
		if q, ok := s.store.(store.RelationshipQuerier); ok {
			rels, err = q.Relationships(ctx, m.ObjectID)
		}
		if err != nil {
			res.Error = errorMessage(err)
			res.Results = []spatial.Relationship{}
			return res
		}
		if rels == nil {
			rels = []spatial.Relationship{}
		}
		res.Results = rels
	}
	return res
}

// handleValidate runs the validation rules against the object's current state.
func (s *Server) handleValidate(ctx context.Context, m protocol.Validate) protocol.ValidationResult {
	result, err := s.validator.ValidateObject(ctx, s.store, m.ObjectID)
	if err != nil {
		return protocol.ValidationResult{
			ObjectID:   m.ObjectID,
			Violations: []string{},
			Error:      errorMessage(err),
		}
	}
	violations := result.Violations
	if violations == nil {
		violations = []string{}
	}
	return protocol.ValidationResult{ObjectID: m.ObjectID, Valid: result.Valid, Violations: violations}
}

func (s *Server) reply(id session.ID, msg protocol.Outbound) {
	if err := s.fanout.Send(id, msg); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.logger.Debug("Reply not delivered",
			log.String("session_id", id.String()),
			log.String("kind", string(msg.Kind())),
			log.Error(err))
	}
}

// errorMessage is the client facing text for a store failure.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "object not found"
	case errors.Is(err, store.ErrUnsupported):
		return "query not supported by store"
	case errors.Is(err, store.ErrUpstream):
		return "store unavailable"
	default:
		return err.Error()
	}
}
