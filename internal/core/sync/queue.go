package sync

import (
	"context"
	sc "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/spatial"
)

// DispatchFunc handles one event. Errors are logged and do not stop the drain.
type DispatchFunc func(ctx context.Context, ev Event) error

type QueueConfig struct {
	BatchInterval time.Duration `yaml:"batch_interval"`
	// MaxParallel bounds how many objects are dispatched at once. Events of
	// one object are always dispatched sequentially.
	MaxParallel int `yaml:"max_parallel"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchInterval: 50 * time.Millisecond,
		MaxParallel:   16,
	}
}

// Queue buffers events per object and drains them in batches. Objects are
// started in order of their first pending event; each object's events keep
// their arrival order across drains.
type Queue struct {
	mu      sc.Mutex
	order   []spatial.ObjectID
	pending map[spatial.ObjectID][]Event
	closed  bool

	// drainMu serializes drains so per-object order holds across ticks.
	drainMu sc.Mutex
	// last holds the fingerprint of the last event dispatched per object.
	last map[spatial.ObjectID]uint64

	config  QueueConfig
	metrics *metrics.Collector
	logger  log.Log
}

func NewQueue(config QueueConfig, collector *metrics.Collector, logger log.Log) *Queue {
	if config.BatchInterval <= 0 {
		config.BatchInterval = DefaultQueueConfig().BatchInterval
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultQueueConfig().MaxParallel
	}
	return &Queue{
		pending: make(map[spatial.ObjectID][]Event),
		last:    make(map[spatial.ObjectID]uint64),
		config:  config,
		metrics: collector,
		logger:  logger.With(log.String("component", "event_queue")),
	}
}

func (q *Queue) Enqueue(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.pending[ev.ObjectID]; !ok {
		q.order = append(q.order, ev.ObjectID)
	}
	q.pending[ev.ObjectID] = append(q.pending[ev.ObjectID], ev)
	return nil
}

// Len reports how many events are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, evs := range q.pending {
		n += len(evs)
	}
	return n
}

// Run drains the queue every BatchInterval until ctx is done, then closes
// the queue and drains what is left.
func (q *Queue) Run(ctx context.Context, dispatch DispatchFunc) error {
	q.logger.Debug("Event queue started", log.Duration("batch_interval", q.config.BatchInterval))
	ticker := time.NewTicker(q.config.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Flush(ctx, dispatch)
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()
			n := q.Flush(context.WithoutCancel(ctx), dispatch)
			q.logger.Debug("Event queue stopped", log.Int("flushed", n))
			return nil
		}
	}
}

type batch struct {
	objectID spatial.ObjectID
	events   []Event
}

// Flush dispatches every pending event and returns how many were dispatched.
func (q *Queue) Flush(ctx context.Context, dispatch DispatchFunc) int {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	batches := make([]batch, 0, len(q.order))
	for _, id := range q.order {
		batches = append(batches, batch{objectID: id, events: q.pending[id]})
	}
	q.order = nil
	q.pending = make(map[spatial.ObjectID][]Event)
	q.mu.Unlock()

	total := 0
	for i := range batches {
		batches[i].events = q.dedupe(batches[i].objectID, batches[i].events)
		total += len(batches[i].events)
	}
	if total == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.config.MaxParallel)
	for _, b := range batches {
		if len(b.events) == 0 {
			continue
		}
		g.Go(func() error {
			for _, ev := range b.events {
				if err := dispatch(gctx, ev); err != nil {
					q.logger.Warn("Event dispatch failed",
						log.String("event_id", ev.ID.String()),
						log.String("object_id", ev.ObjectID.String()),
						log.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return total
}

// dedupe drops events whose state equals the last one dispatched for the
// object. Only called with drainMu held.
func (q *Queue) dedupe(id spatial.ObjectID, events []Event) []Event {
	out := events[:0]
	for _, ev := range events {
		fp, err := ev.Fingerprint()
		if err != nil {
			q.logger.Warn("Cannot fingerprint event", log.Error(err))
			out = append(out, ev)
			continue
		}
		if prev, ok := q.last[id]; ok && prev == fp {
			q.metrics.Inc(metrics.DuplicatesSuppressed)
			continue
		}
		if ev.Type == EventDeleted {
			delete(q.last, id)
		} else {
			q.last[id] = fp
		}
		out = append(out, ev)
	}
	return out
}
