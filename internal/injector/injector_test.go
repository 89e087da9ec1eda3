package injector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/spatialsync/internal/config"
	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/telemetry"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
	"github.com/zeusync/spatialsync/internal/core/validation"
)

func TestInitializeAppWithMemoryStore(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Server.ListenAddr = "127.0.0.1:0"

	app, cleanup, err := InitializeApp(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.Logger)
	assert.False(t, app.Telemetry.Enabled())
	assert.False(t, app.Server.IsRunning())
}

func TestInitializeAppRejectsBadServerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxClients = 0

	_, _, err := InitializeApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestProvideStoreSeedsAndValidates(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Seed = []spatial.Object{{
		ID:       3,
		Type:     "panel",
		Geometry: spatial.Geometry{Extents: spatial.Point3{X: 1, Y: 1, Z: 1}},
	}}
	engine, err := validation.NewEngine(validation.DefaultRules())
	require.NoError(t, err)
	tp, err := telemetry.New(context.Background(), telemetry.DefaultConfig(), log.Nop())
	require.NoError(t, err)

	client, cleanup, err := ProvideStore(cfg.Store, cfg.Sync, engine, tp, log.Nop())
	require.NoError(t, err)
	defer cleanup()

	obj, err := client.GetObject(context.Background(), 3)
	require.NoError(t, err)
	assert.EqualValues(t, 1, obj.Version)

	_, err = client.UpdateObject(context.Background(), 3, map[string]any{"voltage": 9000.0}, true)
	assert.ErrorIs(t, err, store.ErrRejected)

	_, ok := client.(store.RelationshipQuerier)
	assert.True(t, ok)
}

func TestProvideStoreUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "oracle"
	engine, err := validation.NewEngine(nil)
	require.NoError(t, err)
	tp, err := telemetry.New(context.Background(), telemetry.DefaultConfig(), log.Nop())
	require.NoError(t, err)

	_, _, err = ProvideStore(cfg.Store, cfg.Sync, engine, tp, log.Nop())
	assert.Error(t, err)
}
