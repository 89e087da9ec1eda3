package sync

import (
	"context"
	"encoding/json"
	sc "sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/session"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
	"github.com/zeusync/spatialsync/internal/core/store/memory"
)

type frameConn struct {
	mu     sc.Mutex
	frames [][]byte
}

func (c *frameConn) Send(data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return nil
}

func (c *frameConn) Close() error { return nil }

func (c *frameConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (c *frameConn) ofType(t *testing.T, kind string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range c.messages(t) {
		if m["type"] == kind {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	mem     *memory.Store
	reg     *session.Registry
	coord   *Coordinator
	metrics *metrics.Collector
}

func newHarness(t *testing.T, opts ...memory.Option) *harness {
	t.Helper()
	mem := memory.New(opts...)
	m := metrics.NewNop()
	reg := session.NewRegistry(mem, session.DefaultConfig(), m, log.Nop())
	fanout := session.NewBroadcaster(reg, m, log.Nop())
	coord := NewCoordinator(mem, NewResolver(mem, log.Nop()), fanout, DefaultCoordinatorConfig(), m, log.Nop())
	return &harness{mem: mem, reg: reg, coord: coord, metrics: m}
}

func (h *harness) connect(t *testing.T, region spatial.BoundingBox, types ...string) (session.ID, *frameConn) {
	t.Helper()
	conn := &frameConn{}
	id := h.reg.Register(conn)
	_, err := h.reg.Subscribe(context.Background(), id, region, types)
	require.NoError(t, err)
	return id, conn
}

func region(minX, minY, maxX, maxY float64) spatial.BoundingBox {
	return spatial.BoundingBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

func panelAt(id spatial.ObjectID, x, y float64, version uint64) spatial.Object {
	return spatial.Object{
		ID:         id,
		Type:       "panel",
		Geometry:   spatial.Geometry{Position: spatial.Point3{X: x, Y: y}, Extents: spatial.Point3{X: 1, Y: 1, Z: 2}},
		Properties: map[string]any{"voltage": 120.0},
		Version:    version,
	}
}

func ptr[T any](v T) *T { return &v }

var storeFilterAll = store.ChangeFilter{}

func nopLogger() log.Log { return log.Nop() }
