package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/spatialsync/internal/core/validation"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, FeedNative, cfg.Store.Feed)
	assert.NotEmpty(t, cfg.Validation.EffectiveRules())
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	src := `
server:
  listen_addr: 0.0.0.0:9000
  auth:
    secret: top
sync:
  upstream_timeout: 2s
  queue:
    batch_interval: 20ms
store:
  seed:
    - id: 7
      type: panel
      geometry:
        position: {x: 1, y: 2, z: 0}
        extents: {x: 1, y: 1, z: 1}
      properties:
        voltage: 240
validation:
  rules:
    - name: has_label
      expression: has(object.properties.label)
log:
  level: debug
`
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(src), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "top", cfg.Server.Auth.Secret)
	assert.Equal(t, 2*time.Second, cfg.Sync.UpstreamTimeout)
	assert.Equal(t, 20*time.Millisecond, cfg.Sync.Queue.BatchInterval)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Server.MaxClients, cfg.Server.MaxClients)

	require.Len(t, cfg.Store.Seed, 1)
	assert.EqualValues(t, 7, cfg.Store.Seed[0].ID)
	assert.Equal(t, 2.0, cfg.Store.Seed[0].Geometry.Position.Y)

	rules := cfg.Validation.EffectiveRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "has_label", rules[0].Name)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := Decode(strings.NewReader("server:\n  listen_adress: x\n"), &cfg)
	assert.Error(t, err)
}

func TestDecodeEmptyDocument(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(""), &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SPATIALSYNC_LISTEN_ADDR":       ":7000",
		"SPATIALSYNC_MAX_CLIENTS":       "12",
		"SPATIALSYNC_STORE_FEED":        "redis",
		"SPATIALSYNC_REDIS_ADDR":        "redis:6379",
		"SPATIALSYNC_TELEMETRY_ENABLED": "true",
		"SPATIALSYNC_OTLP_ENDPOINT":     "collector:4317",
		"SPATIALSYNC_BATCH_INTERVAL":    "10ms",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, 12, cfg.Server.MaxClients)
	assert.Equal(t, FeedRedis, cfg.Store.Feed)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 10*time.Millisecond, cfg.Sync.Queue.BatchInterval)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	env := map[string]string{
		"SPATIALSYNC_MAX_CLIENTS":      "many",
		"SPATIALSYNC_UPSTREAM_TIMEOUT": "soon",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SPATIALSYNC_MAX_CLIENTS")
	assert.Contains(t, err.Error(), "SPATIALSYNC_UPSTREAM_TIMEOUT")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "oracle"
	cfg.Store.Feed = "kafka"
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""
	cfg.Validation.Rules = append(cfg.Validation.Rules, validation.Rule{Name: "broken", Expression: "object.("})

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.driver", "store.feed", "telemetry.endpoint", "broken"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Store.Driver = DriverPostgres
	assert.ErrorContains(t, cfg.Validate(), "dsn")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spatialsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  max_clients: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Server.MaxClients)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
