package session

import (
	"errors"
	"fmt"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/protocol"
	"github.com/zeusync/spatialsync/internal/core/spatial"
)

// Broadcaster delivers encoded messages to sessions. A session whose
// connection refuses a message is unregistered; others are unaffected.
type Broadcaster struct {
	registry *Registry
	metrics  *metrics.Collector
	logger   log.Log
}

func NewBroadcaster(registry *Registry, collector *metrics.Collector, logger log.Log) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		metrics:  collector,
		logger:   logger.With(log.String("component", "broadcaster")),
	}
}

// Send delivers msg to one session. Sending to a session that is gone
// returns ErrSessionNotFound and has no other effect.
func (b *Broadcaster) Send(id ID, msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return b.deliver(id, data)
}

// Broadcast delivers msg to every listed session except exclude and returns
// how many accepted it. Each session gets exactly one attempt.
func (b *Broadcaster) Broadcast(ids []ID, msg protocol.Outbound, exclude ID) int {
	if len(ids) == 0 {
		return 0
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("Failed to encode broadcast", log.String("kind", string(msg.Kind())), log.Error(err))
		return 0
	}

	delivered := 0
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if err := b.deliver(id, data); err == nil {
			delivered++
		}
	}
	return delivered
}

// Publish broadcasts msg to the sessions whose subscriptions admit obj.
func (b *Broadcaster) Publish(obj spatial.Object, msg protocol.Outbound, exclude ID) int {
	return b.Broadcast(b.registry.MatchingSessions(obj), msg, exclude)
}

func (b *Broadcaster) deliver(id ID, data []byte) error {
	s, ok := b.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.Conn.Send(data); err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		b.logger.Warn("Dropping session after failed delivery",
			log.String("session_id", id.String()),
			log.Error(err))
		b.registry.Unregister(id)
		return err
	}
	b.metrics.Inc(metrics.MessagesSent)
	return nil
}
