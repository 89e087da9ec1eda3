package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/spatial"
)

// RegionQuerier provides the snapshot handed to a client when it subscribes.
type RegionQuerier interface {
	QueryRegion(ctx context.Context, region spatial.BoundingBox, types []string, limit int) ([]spatial.Object, error)
}

type Config struct {
	// SubscribeLimit caps the snapshot returned by Subscribe.
	SubscribeLimit int `yaml:"subscribe_limit"`
}

func DefaultConfig() Config {
	return Config{SubscribeLimit: 1000}
}

// Registry owns all sessions. It is safe for concurrent use.
type Registry struct {
	sessions sync.Map // map[ID]*Session
	count    atomic.Int64

	querier RegionQuerier
	config  Config
	metrics *metrics.Collector
	logger  log.Log
	now     func() time.Time
}

func NewRegistry(querier RegionQuerier, config Config, collector *metrics.Collector, logger log.Log) *Registry {
	return &Registry{
		querier: querier,
		config:  config,
		metrics: collector,
		logger:  logger.With(log.String("component", "session_registry")),
		now:     time.Now,
	}
}

// Register creates a session for conn. It always succeeds.
func (r *Registry) Register(conn Conn) ID {
	s := newSession(conn, r.now())
	r.sessions.Store(s.ID, s)
	total := r.count.Add(1)
	r.metrics.SessionOpened()

	r.logger.Info("Session registered",
		log.String("session_id", s.ID.String()),
		log.Int64("total_sessions", total))
	return s.ID
}

// Unregister removes the session and closes its connection. It reports
// whether a session was removed; repeated calls are no-ops.
func (r *Registry) Unregister(id ID) bool {
	value, loaded := r.sessions.LoadAndDelete(id)
	if !loaded {
		return false
	}
	s := value.(*Session)
	total := r.count.Add(-1)
	r.metrics.SessionClosed()
	_ = s.Conn.Close()

	r.logger.Info("Session unregistered",
		log.String("session_id", id.String()),
		log.Duration("connected_for", r.now().Sub(s.ConnectedAt)),
		log.Int64("total_sessions", total))
	return true
}

func (r *Registry) Get(id ID) (*Session, bool) {
	value, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

// Subscribe adds a subscription to the session and returns the objects
// currently in the region. The subscription is live before the snapshot is
// taken so no change falls between the two.
func (r *Registry) Subscribe(ctx context.Context, id ID, region spatial.BoundingBox, types []string) ([]spatial.Object, error) {
	if !region.Valid() {
		return nil, ErrInvalidRegion
	}
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.addSubscription(NewSubscription(region, types))

	objects, err := r.querier.QueryRegion(ctx, region, types, r.config.SubscribeLimit)
	if err != nil {
		return nil, fmt.Errorf("subscription snapshot: %w", err)
	}

	r.logger.Debug("Session subscribed",
		log.String("session_id", id.String()),
		log.Any("region", region),
		log.Strings("object_types", types),
		log.Int("snapshot_size", len(objects)))
	return objects, nil
}

// MatchingSessions lists sessions with at least one subscription admitting obj.
func (r *Registry) MatchingSessions(obj spatial.Object) []ID {
	var ids []ID
	r.sessions.Range(func(key, value any) bool {
		if value.(*Session).Matches(obj) {
			ids = append(ids, key.(ID))
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Touch records activity on the session.
func (r *Registry) Touch(id ID) {
	if s, ok := r.Get(id); ok {
		s.touch(r.now())
	}
}

// Idle lists sessions with no activity since cutoff.
func (r *Registry) Idle(cutoff time.Time) []ID {
	var ids []ID
	r.sessions.Range(func(key, value any) bool {
		if value.(*Session).LastSeen().Before(cutoff) {
			ids = append(ids, key.(ID))
		}
		return true
	})
	return ids
}

func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	var out []*Session
	r.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*Session))
		return true
	})
	return out
}

// Close unregisters every session.
func (r *Registry) Close() {
	r.sessions.Range(func(key, _ any) bool {
		r.Unregister(key.(ID))
		return true
	})
}
