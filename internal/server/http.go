package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
)

// Stats is the body of GET /stats.
type Stats struct {
	Running         bool             `json:"running"`
	ActiveSessions  int              `json:"active_sessions"`
	MonitorUp       bool             `json:"monitor_connected"`
	EventsReceived  uint64           `json:"events_received"`
	PendingEvents   int              `json:"pending_events"`
	Uptime          string           `json:"uptime"`
	ProtocolVersion string           `json:"protocol_version"`
	Metrics         metrics.Snapshot `json:"metrics"`
}

// Handler returns the HTTP surface: the WebSocket endpoint plus health and
// stats.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.closed.Load() {
		status, code = "closing", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":            status,
		"monitor_connected": s.monitor.Connected(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.GetStats())
}

// GetStats returns current server statistics.
func (s *Server) GetStats() Stats {
	var uptime time.Duration
	if started := s.startedAt.Load(); started != nil {
		uptime = time.Since(*started)
	}
	return Stats{
		Running:         s.running.Load(),
		ActiveSessions:  s.registry.Count(),
		MonitorUp:       s.monitor.Connected(),
		EventsReceived:  s.monitor.Received(),
		PendingEvents:   s.queue.Len(),
		Uptime:          uptime.Round(time.Second).String(),
		ProtocolVersion: s.negotiator.Version(),
		Metrics:         s.metrics.Snapshot(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response", log.Error(err))
	}
}
