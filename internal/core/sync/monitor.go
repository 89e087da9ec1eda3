package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/store"
)

type MonitorConfig struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	// JitterPercent randomizes each backoff step by up to this share.
	JitterPercent uint64 `yaml:"jitter_percent"`
	// StableAfter is how long a stream must stay open, without delivering
	// anything, before the backoff starts over.
	StableAfter time.Duration `yaml:"stable_after"`
	// ObjectTypes restricts the feed. Empty means every type.
	ObjectTypes []string `yaml:"object_types"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		BackoffBase:   250 * time.Millisecond,
		BackoffMax:    30 * time.Second,
		JitterPercent: 10,
		StableAfter:   10 * time.Second,
	}
}

// Enqueuer accepts events from the monitor.
type Enqueuer interface {
	Enqueue(ev Event) error
}

// Monitor keeps one subscription to the store's change feed open and turns
// every notification into exactly one queued event. A lost feed is reopened
// with exponential backoff; client updates keep working meanwhile.
type Monitor struct {
	store   store.Client
	queue   Enqueuer
	filter  store.ChangeFilter
	config  MonitorConfig
	metrics *metrics.Collector
	logger  log.Log

	running   atomic.Bool
	connected atomic.Bool
	received  atomic.Uint64
}

func NewMonitor(client store.Client, queue Enqueuer, config MonitorConfig, collector *metrics.Collector, logger log.Log) *Monitor {
	def := DefaultMonitorConfig()
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax < config.BackoffBase {
		config.BackoffMax = config.BackoffBase
	}
	if config.StableAfter <= 0 {
		config.StableAfter = def.StableAfter
	}
	return &Monitor{
		store:   client,
		queue:   queue,
		filter:  store.ChangeFilter{Types: config.ObjectTypes},
		config:  config,
		metrics: collector,
		logger:  logger.With(log.String("component", "change_monitor")),
	}
}

// Connected reports whether a change stream is currently open.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

// Received reports how many notifications have been enqueued.
func (m *Monitor) Received() uint64 {
	return m.received.Load()
}

// Run consumes the feed until ctx is done. Stream failures are never fatal.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrMonitorActive
	}
	defer m.running.Store(false)

	m.logger.Info("Change stream monitor started")
	defer m.logger.Info("Change stream monitor stopped")

	// One backoff spans open failures and streams that die right away, so a
	// flapping feed is retried with growing delays.
	b := m.backoff()
	for {
		stream, err := m.open(ctx, b)
		if err != nil {
			// Only ctx ending stops the retry loop.
			return nil
		}

		opened := time.Now()
		m.connected.Store(true)
		delivered, err := m.consume(ctx, stream)
		m.connected.Store(false)
		_ = stream.Close()

		if ctx.Err() != nil {
			return nil
		}

		m.metrics.Inc(metrics.StreamDisruptions)
		if delivered > 0 || time.Since(opened) >= m.config.StableAfter {
			b = m.backoff()
		}
		delay, _ := b.Next()
		m.logger.Warn("Change stream disrupted, reconnecting",
			log.Duration("delay", delay),
			log.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (m *Monitor) backoff() retry.Backoff {
	b := retry.NewExponential(m.config.BackoffBase)
	b = retry.WithCappedDuration(m.config.BackoffMax, b)
	if m.config.JitterPercent > 0 {
		b = retry.WithJitterPercent(m.config.JitterPercent, b)
	}
	return b
}

func (m *Monitor) open(ctx context.Context, b retry.Backoff) (store.ChangeStream, error) {
	var (
		stream  store.ChangeStream
		attempt int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		s, err := m.store.StreamChanges(ctx, m.filter)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.metrics.Inc(metrics.StreamDisruptions)
			m.logger.Warn("Failed to open change stream",
				log.Int("attempt", attempt),
				log.Error(err))
			return retry.RetryableError(err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if attempt > 1 {
		m.logger.Info("Change stream reconnected", log.Int("attempts", attempt))
	}
	return stream, nil
}

// consume reads stream until it ends and reports how many changes arrived.
func (m *Monitor) consume(ctx context.Context, stream store.ChangeStream) (int, error) {
	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case change, ok := <-stream.Changes():
			if !ok {
				if err := stream.Err(); err != nil {
					return delivered, err
				}
				return delivered, store.ErrStreamClosed
			}
			delivered++
			if err := m.queue.Enqueue(FromChange(change)); err != nil {
				if errors.Is(err, ErrQueueClosed) {
					return delivered, fmt.Errorf("enqueue change of %s: %w", change.Object.ID, err)
				}
				m.logger.Warn("Failed to enqueue change", log.Error(err))
				continue
			}
			m.received.Add(1)
		}
	}
}
