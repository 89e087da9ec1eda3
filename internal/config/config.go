// Package config loads the server configuration: defaults, then a YAML file,
// then SPATIALSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/telemetry"
	"github.com/zeusync/spatialsync/internal/core/session"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store/postgres"
	"github.com/zeusync/spatialsync/internal/core/store/redisfeed"
	"github.com/zeusync/spatialsync/internal/core/sync"
	"github.com/zeusync/spatialsync/internal/core/validation"
	"github.com/zeusync/spatialsync/internal/server"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	FeedNative = "native"
	FeedRedis  = "redis"
)

type Config struct {
	Server     server.Config    `yaml:"server"`
	Sync       SyncConfig       `yaml:"sync"`
	Store      StoreConfig      `yaml:"store"`
	Validation ValidationConfig `yaml:"validation"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Log        log.Config       `yaml:"log"`
}

type SyncConfig struct {
	Queue       sync.QueueConfig       `yaml:"queue"`
	Monitor     sync.MonitorConfig     `yaml:"monitor"`
	Coordinator sync.CoordinatorConfig `yaml:"coordinator"`
	Sessions    session.Config         `yaml:"sessions"`
	// UpstreamTimeout bounds every request to the object store.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

type StoreConfig struct {
	Driver   string           `yaml:"driver"`
	Feed     string           `yaml:"feed"`
	Postgres postgres.Config  `yaml:"postgres"`
	Redis    redisfeed.Config `yaml:"redis"`
	// Seed populates the memory driver at startup.
	Seed []spatial.Object `yaml:"seed"`
}

type ValidationConfig struct {
	Rules []validation.Rule `yaml:"rules"`
}

// EffectiveRules returns the configured rules or the built-in ones.
func (v ValidationConfig) EffectiveRules() []validation.Rule {
	if len(v.Rules) == 0 {
		return validation.DefaultRules()
	}
	return v.Rules
}

func Default() Config {
	return Config{
		Server: server.DefaultConfig(),
		Sync: SyncConfig{
			Queue:           sync.DefaultQueueConfig(),
			Monitor:         sync.DefaultMonitorConfig(),
			Coordinator:     sync.DefaultCoordinatorConfig(),
			Sessions:        session.DefaultConfig(),
			UpstreamTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverMemory,
			Feed:   FeedNative,
			Postgres: postgres.Config{
				MinReconnectInterval: 100 * time.Millisecond,
				MaxReconnectInterval: 10 * time.Second,
				MaxOpenConns:         16,
			},
			Redis: redisfeed.DefaultConfig(),
		},
		Telemetry: telemetry.DefaultConfig(),
		Log:       log.Config{Level: "info", Encoding: "json"},
	}
}

// Load reads path (if not empty) over the defaults, applies the environment
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Unknown keys are an error.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"SPATIALSYNC_LISTEN_ADDR", func(c *Config, v string) error { c.Server.ListenAddr = v; return nil }},
	{"SPATIALSYNC_MAX_CLIENTS", func(c *Config, v string) error { return setInt(&c.Server.MaxClients, v) }},
	{"SPATIALSYNC_JWT_SECRET", func(c *Config, v string) error { c.Server.Auth.Secret = v; return nil }},
	{"SPATIALSYNC_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"SPATIALSYNC_STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"SPATIALSYNC_STORE_FEED", func(c *Config, v string) error { c.Store.Feed = v; return nil }},
	{"SPATIALSYNC_POSTGRES_DSN", func(c *Config, v string) error { c.Store.Postgres.DSN = v; return nil }},
	{"SPATIALSYNC_REDIS_ADDR", func(c *Config, v string) error { c.Store.Redis.Addr = v; return nil }},
	{"SPATIALSYNC_REDIS_STREAM", func(c *Config, v string) error { c.Store.Redis.Stream = v; return nil }},
	{"SPATIALSYNC_UPSTREAM_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Sync.UpstreamTimeout, v) }},
	{"SPATIALSYNC_BATCH_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Sync.Queue.BatchInterval, v) }},
	{"SPATIALSYNC_TELEMETRY_ENABLED", func(c *Config, v string) error { return setBool(&c.Telemetry.Enabled, v) }},
	{"SPATIALSYNC_OTLP_ENDPOINT", func(c *Config, v string) error { c.Telemetry.Endpoint = v; return nil }},
}

// ApplyEnv overrides fields from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}

	switch c.Store.Feed {
	case FeedNative:
	case FeedRedis:
		if c.Store.Redis.Addr == "" || c.Store.Redis.Stream == "" {
			errs = append(errs, errors.New("store.redis.addr and store.redis.stream are required for the redis feed"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.feed %q is not one of native, redis", c.Store.Feed))
	}

	if c.Sync.UpstreamTimeout < 0 {
		errs = append(errs, errors.New("sync.upstream_timeout must not be negative"))
	}
	if c.Sync.Sessions.SubscribeLimit < 0 {
		errs = append(errs, errors.New("sync.sessions.subscribe_limit must not be negative"))
	}
	if _, err := validation.NewEngine(c.Validation.EffectiveRules()); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	return errors.Join(errs...)
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
