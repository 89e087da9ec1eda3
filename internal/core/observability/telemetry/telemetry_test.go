package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig(), log.Nop())
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	counter, err := p.Meter().Int64Counter("c")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestEnabledProviderBuildsExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Insecure = true
	cfg.Endpoint = "127.0.0.1:1"
	cfg.SampleRate = 0.5

	// gRPC dials lazily, so construction succeeds without a collector.
	p, err := New(context.Background(), cfg, log.Nop())
	require.NoError(t, err)
	assert.True(t, p.Enabled())
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}
