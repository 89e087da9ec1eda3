package sync

import (
	"context"
	"encoding/binary"
	"errors"
	sc "sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/protocol"
	"github.com/zeusync/spatialsync/internal/core/session"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
)

// Fanout delivers messages to sessions.
type Fanout interface {
	Send(id session.ID, msg protocol.Outbound) error
	Publish(obj spatial.Object, msg protocol.Outbound, exclude session.ID) int
}

// Outcome is how a client update was settled.
type Outcome uint8

const (
	OutcomeConfirmed Outcome = iota + 1
	OutcomeConflict
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeConflict:
		return "conflict"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UpdateResult is what a client update came to. Err is set for
// OutcomeFailed, Conflict for OutcomeConflict.
type UpdateResult struct {
	Outcome  Outcome
	Version  uint64
	Conflict *ConflictRecord
	Err      error
}

// CoordinatorConfig tunes the Coordinator.
type CoordinatorConfig struct {
	// LockStripes is rounded up to a power of two.
	LockStripes int `yaml:"lock_stripes"`
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{LockStripes: 256}
}

// Coordinator applies client updates and upstream events. Work on one
// object is serialized by a striped lock. The version cache it guards holds
// the last version broadcast per object: it is raised only by a confirmed
// update or a processed upstream event, and never exceeds the store's.
type Coordinator struct {
	store    store.Client
	resolver *Resolver
	fanout   Fanout
	metrics  *metrics.Collector
	logger   log.Log
	now      func() time.Time

	stripes    []sc.Mutex
	stripeMask uint64

	mu       sc.RWMutex
	versions map[spatial.ObjectID]uint64
}

func NewCoordinator(client store.Client, resolver *Resolver, fanout Fanout, config CoordinatorConfig, collector *metrics.Collector, logger log.Log) *Coordinator {
	n := config.LockStripes
	if n <= 0 {
		n = DefaultCoordinatorConfig().LockStripes
	}
	n = nextPowerOf2(n)
	return &Coordinator{
		store:      client,
		resolver:   resolver,
		fanout:     fanout,
		metrics:    collector,
		logger:     logger.With(log.String("component", "sync_coordinator")),
		now:        time.Now,
		stripes:    make([]sc.Mutex, n),
		stripeMask: uint64(n - 1),
		versions:   make(map[spatial.ObjectID]uint64),
	}
}

// HandleClientUpdate runs the optimistic concurrency check for one client
// update and applies it. The outcome is also reported to the origin session.
// The store call is not cancelled when the session goes away; only the
// reply to the origin is dropped.
func (c *Coordinator) HandleClientUpdate(ctx context.Context, origin session.ID, id spatial.ObjectID, changes map[string]any, clientVersion *uint64) UpdateResult {
	ctx = context.WithoutCancel(ctx)
	unlock := c.lock(id)
	defer unlock()

	logger := c.logger.With(log.String("session_id", origin.String()), log.String("object_id", id.String()))

	known, ok := c.KnownVersion(id)
	if !ok {
		obj, err := c.store.GetObject(ctx, id)
		if err != nil {
			return c.fail(origin, id, err, logger)
		}
		// Not cached: an upstream event for this version may still be
		// queued and must not be mistaken for one already broadcast.
		known = obj.Version
	}

	if clientVersion != nil && *clientVersion < known {
		rec := c.resolver.Resolve(ctx, id, *clientVersion, known)
		c.metrics.Inc(metrics.ConflictsRaised)
		logger.Info("Stale update rejected",
			log.Uint64("client_version", rec.ClientVersion),
			log.Uint64("server_version", rec.ServerVersion))
		c.reply(origin, protocol.Conflict{
			ObjectID:           id,
			ClientVersion:      rec.ClientVersion,
			ServerVersion:      rec.ServerVersion,
			CurrentState:       rec.ServerSnapshot,
			ResolutionStrategy: string(rec.Strategy),
		})
		return UpdateResult{Outcome: OutcomeConflict, Version: rec.ServerVersion, Conflict: &rec}
	}

	start := c.now()
	updated, err := c.store.UpdateObject(ctx, id, changes, true)
	c.metrics.ObserveUpdate(c.now().Sub(start))
	if err != nil {
		return c.fail(origin, id, err, logger)
	}

	c.raise(id, updated.Version)
	c.metrics.Inc(metrics.UpdatesSucceeded)
	logger.Debug("Update applied", log.Uint64("version", updated.Version))

	c.reply(origin, protocol.UpdateConfirmed{ObjectID: id, Version: updated.Version})

	ev := NewEvent(EventUpdated, updated, c.now().UTC(), origin)
	c.broadcast(ev)
	return UpdateResult{Outcome: OutcomeConfirmed, Version: updated.Version}
}

// Process applies one upstream event. Events at or below the cached version
// were already broadcast, or are older than what sessions have seen, and
// are dropped.
func (c *Coordinator) Process(_ context.Context, ev Event) error {
	unlock := c.lock(ev.ObjectID)
	defer unlock()
	c.metrics.Inc(metrics.EventsProcessed)

	if ev.Type == EventDeleted {
		c.forget(ev.ObjectID)
		c.broadcast(ev)
		return nil
	}

	if known, ok := c.KnownVersion(ev.ObjectID); ok && ev.Snapshot.Version <= known {
		c.logger.Debug("Dropping stale event",
			log.String("object_id", ev.ObjectID.String()),
			log.Uint64("event_version", ev.Snapshot.Version),
			log.Uint64("known_version", known))
		return nil
	}
	c.raise(ev.ObjectID, ev.Snapshot.Version)
	c.broadcast(ev)
	return nil
}

// KnownVersion returns the cached version of id.
func (c *Coordinator) KnownVersion(id spatial.ObjectID) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.versions[id]
	return v, ok
}

func (c *Coordinator) broadcast(ev Event) {
	var msg protocol.Outbound
	if ev.Type == EventDeleted {
		msg = protocol.ObjectDeleted{ObjectID: ev.ObjectID, Version: ev.Snapshot.Version, Timestamp: ev.Timestamp}
	} else {
		msg = protocol.ObjectUpdated{ObjectID: ev.ObjectID, Data: ev.Snapshot, Version: ev.Snapshot.Version, Timestamp: ev.Timestamp}
	}
	n := c.fanout.Publish(ev.Snapshot, msg, ev.Origin)
	c.logger.Debug("Event broadcast",
		log.String("event_id", ev.ID.String()),
		log.String("type", string(ev.Type)),
		log.String("object_id", ev.ObjectID.String()),
		log.Int("recipients", n))
}

func (c *Coordinator) fail(origin session.ID, id spatial.ObjectID, err error, logger log.Log) UpdateResult {
	c.metrics.Inc(metrics.UpdatesFailed)
	logger.Warn("Update failed", log.Error(err))
	c.reply(origin, protocol.UpdateFailed{ObjectID: id, Error: describe(err)})
	return UpdateResult{Outcome: OutcomeFailed, Err: err}
}

// reply sends to the origin session if it is still connected.
func (c *Coordinator) reply(origin session.ID, msg protocol.Outbound) {
	if origin == "" {
		return
	}
	if err := c.fanout.Send(origin, msg); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		c.logger.Debug("Reply not delivered",
			log.String("session_id", origin.String()),
			log.String("kind", string(msg.Kind())),
			log.Error(err))
	}
}

func (c *Coordinator) raise(id spatial.ObjectID, v uint64) {
	c.mu.Lock()
	if v > c.versions[id] {
		c.versions[id] = v
	}
	c.mu.Unlock()
}

func (c *Coordinator) forget(id spatial.ObjectID) {
	c.mu.Lock()
	delete(c.versions, id)
	c.mu.Unlock()
}

func (c *Coordinator) lock(id spatial.ObjectID) func() {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(id))
	m := &c.stripes[xxhash.Sum64(key[:])&c.stripeMask]
	m.Lock()
	return m.Unlock
}

// describe turns a store error into text for the client.
func describe(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "object not found"
	case errors.Is(err, store.ErrRejected):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "store did not respond in time"
	default:
		return "store unavailable: " + err.Error()
	}
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
