// Package metrics counts what the sync core does. Every counter is kept in
// process for the /stats endpoint and mirrored to an OpenTelemetry meter.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Counter uint8

const (
	EventsProcessed Counter = iota
	ConflictsRaised
	MessagesSent
	MessagesReceived
	UpdatesSucceeded
	UpdatesFailed
	StreamDisruptions
	DuplicatesSuppressed
	ProtocolErrors
	RateLimited
	numCounters
)

var counterNames = [numCounters]string{
	EventsProcessed:      "spatialsync.events.processed",
	ConflictsRaised:      "spatialsync.conflicts",
	MessagesSent:         "spatialsync.messages.sent",
	MessagesReceived:     "spatialsync.messages.received",
	UpdatesSucceeded:     "spatialsync.updates.succeeded",
	UpdatesFailed:        "spatialsync.updates.failed",
	StreamDisruptions:    "spatialsync.stream.disruptions",
	DuplicatesSuppressed: "spatialsync.events.duplicates",
	ProtocolErrors:       "spatialsync.protocol.errors",
	RateLimited:          "spatialsync.messages.rate_limited",
}

func (c Counter) String() string {
	if c < numCounters {
		return counterNames[c]
	}
	return "unknown"
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	EventsProcessed      uint64 `json:"events_processed"`
	ConflictsRaised      uint64 `json:"conflicts"`
	MessagesSent         uint64 `json:"messages_sent"`
	MessagesReceived     uint64 `json:"messages_received"`
	UpdatesSucceeded     uint64 `json:"updates_succeeded"`
	UpdatesFailed        uint64 `json:"updates_failed"`
	StreamDisruptions    uint64 `json:"stream_disruptions"`
	DuplicatesSuppressed uint64 `json:"duplicates_suppressed"`
	ProtocolErrors       uint64 `json:"protocol_errors"`
	RateLimited          uint64 `json:"rate_limited"`
	ActiveSessions       int64  `json:"active_sessions"`
}

type Collector struct {
	counts   [numCounters]atomic.Uint64
	active   atomic.Int64
	counters [numCounters]metric.Int64Counter
	sessions metric.Int64UpDownCounter
	latency  metric.Float64Histogram
}

// New registers the instruments on meter. A nil meter records in process only.
func New(meter metric.Meter) (*Collector, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("spatialsync")
	}

	c := &Collector{}
	var err error
	for i := Counter(0); i < numCounters; i++ {
		c.counters[i], err = meter.Int64Counter(counterNames[i])
		if err != nil {
			return nil, err
		}
	}

	c.sessions, err = meter.Int64UpDownCounter("spatialsync.sessions.active",
		metric.WithDescription("Connected client sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	c.latency, err = meter.Float64Histogram("spatialsync.update.duration",
		metric.WithDescription("Client update round trip to the store"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewNop returns a collector that only counts in process.
func NewNop() *Collector {
	c, _ := New(nil)
	return c
}

func (c *Collector) Inc(counter Counter) {
	c.Add(counter, 1)
}

func (c *Collector) Add(counter Counter, n uint64) {
	if counter >= numCounters || n == 0 {
		return
	}
	c.counts[counter].Add(n)
	c.counters[counter].Add(context.Background(), int64(n))
}

func (c *Collector) Get(counter Counter) uint64 {
	if counter >= numCounters {
		return 0
	}
	return c.counts[counter].Load()
}

func (c *Collector) SessionOpened() {
	c.active.Add(1)
	c.sessions.Add(context.Background(), 1)
}

func (c *Collector) SessionClosed() {
	c.active.Add(-1)
	c.sessions.Add(context.Background(), -1)
}

func (c *Collector) ObserveUpdate(d time.Duration) {
	c.latency.Record(context.Background(), d.Seconds())
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EventsProcessed:      c.Get(EventsProcessed),
		ConflictsRaised:      c.Get(ConflictsRaised),
		MessagesSent:         c.Get(MessagesSent),
		MessagesReceived:     c.Get(MessagesReceived),
		UpdatesSucceeded:     c.Get(UpdatesSucceeded),
		UpdatesFailed:        c.Get(UpdatesFailed),
		StreamDisruptions:    c.Get(StreamDisruptions),
		DuplicatesSuppressed: c.Get(DuplicatesSuppressed),
		ProtocolErrors:       c.Get(ProtocolErrors),
		RateLimited:          c.Get(RateLimited),
		ActiveSessions:       c.active.Load(),
	}
}
