package sync

import (
	"context"
	sc "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/spatial"
)

type recorder struct {
	mu     sc.Mutex
	events []Event
}

func (r *recorder) dispatch(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) versions(id spatial.ObjectID) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, ev := range r.events {
		if ev.ObjectID == id {
			out = append(out, ev.Snapshot.Version)
		}
	}
	return out
}

func (r *recorder) objects() []spatial.ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]spatial.ObjectID, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.ObjectID)
	}
	return out
}

func updated(id spatial.ObjectID, version uint64) Event {
	return NewEvent(EventUpdated, panelAt(id, 0, 0, version), time.Now().UTC(), "")
}

func TestQueueFlushOrder(t *testing.T) {
	q := NewQueue(QueueConfig{MaxParallel: 1}, metrics.NewNop(), log.Nop())
	for _, ev := range []Event{updated(2, 1), updated(1, 1), updated(2, 2), updated(1, 2), updated(3, 1)} {
		require.NoError(t, q.Enqueue(ev))
	}
	assert.Equal(t, 5, q.Len())

	rec := &recorder{}
	n := q.Flush(context.Background(), rec.dispatch)

	assert.Equal(t, 5, n)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []spatial.ObjectID{2, 2, 1, 1, 3}, rec.objects())
}

func TestQueuePreservesOrderAcrossFlushesInParallel(t *testing.T) {
	q := NewQueue(QueueConfig{MaxParallel: 8}, metrics.NewNop(), log.Nop())
	rec := &recorder{}

	var version uint64
	for round := 0; round < 5; round++ {
		for i := 0; i < 10; i++ {
			version++
			for id := spatial.ObjectID(1); id <= 4; id++ {
				require.NoError(t, q.Enqueue(updated(id, version)))
			}
		}
		q.Flush(context.Background(), rec.dispatch)
	}

	for id := spatial.ObjectID(1); id <= 4; id++ {
		got := rec.versions(id)
		require.Len(t, got, 50)
		for i, v := range got {
			assert.Equal(t, uint64(i+1), v)
		}
	}
}

func TestQueueSuppressesDuplicates(t *testing.T) {
	m := metrics.NewNop()
	q := NewQueue(DefaultQueueConfig(), m, log.Nop())
	rec := &recorder{}

	same := panelAt(1, 0, 0, 4)
	require.NoError(t, q.Enqueue(NewEvent(EventUpdated, same, time.Now(), "")))
	require.NoError(t, q.Enqueue(NewEvent(EventUpdated, same, time.Now().Add(time.Second), "")))
	q.Flush(context.Background(), rec.dispatch)

	// The duplicate may also span a flush boundary.
	require.NoError(t, q.Enqueue(NewEvent(EventUpdated, same, time.Now(), "")))
	require.NoError(t, q.Enqueue(updated(1, 5)))
	q.Flush(context.Background(), rec.dispatch)

	assert.Equal(t, []uint64{4, 5}, rec.versions(1))
	assert.Equal(t, uint64(2), m.Get(metrics.DuplicatesSuppressed))
}

func TestQueueRunDrainsOnTickAndShutdown(t *testing.T) {
	q := NewQueue(QueueConfig{BatchInterval: 5 * time.Millisecond}, metrics.NewNop(), log.Nop())
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, rec.dispatch) }()

	require.NoError(t, q.Enqueue(updated(1, 1)))
	assert.Eventually(t, func() bool { return len(rec.versions(1)) == 1 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, q.Enqueue(updated(1, 2)), ErrQueueClosed)
}

func TestFingerprint(t *testing.T) {
	a := NewEvent(EventUpdated, panelAt(1, 0, 0, 2), time.Now(), "")
	b := NewEvent(EventUpdated, panelAt(1, 0, 0, 2), time.Now().Add(time.Hour), "s1")
	c := NewEvent(EventUpdated, panelAt(1, 0, 0, 3), time.Now(), "")
	d := NewEvent(EventDeleted, panelAt(1, 0, 0, 2), time.Now(), "")

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, _ := b.Fingerprint()
	fc, _ := c.Fingerprint()
	fd, _ := d.Fingerprint()

	assert.Equal(t, fa, fb)
	assert.NotEqual(t, fa, fc)
	assert.NotEqual(t, fa, fd)
	assert.NotEqual(t, a.ID, b.ID)
}
