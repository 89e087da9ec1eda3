// Package injector assembles the server from configuration. The wiring in
// wire_gen.go is generated from injector.go by google/wire.
package injector

import (
	"context"
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/spatialsync/internal/config"
	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/observability/metrics"
	"github.com/zeusync/spatialsync/internal/core/observability/telemetry"
	"github.com/zeusync/spatialsync/internal/core/protocol"
	"github.com/zeusync/spatialsync/internal/core/session"
	"github.com/zeusync/spatialsync/internal/core/store"
	"github.com/zeusync/spatialsync/internal/core/store/memory"
	"github.com/zeusync/spatialsync/internal/core/store/postgres"
	"github.com/zeusync/spatialsync/internal/core/store/redisfeed"
	coresync "github.com/zeusync/spatialsync/internal/core/sync"
	"github.com/zeusync/spatialsync/internal/core/validation"
	"github.com/zeusync/spatialsync/internal/server"
)

// App is everything main needs to run and stop the process.
type App struct {
	Server    *server.Server
	Logger    log.Log
	Telemetry *telemetry.Provider
}

var configSet = wire.NewSet(
	wire.FieldsOf(new(config.Config), "Server", "Sync", "Store", "Validation", "Telemetry", "Log"),
	wire.FieldsOf(new(config.SyncConfig), "Queue", "Monitor", "Coordinator", "Sessions"),
)

var observabilitySet = wire.NewSet(
	ProvideLogger,
	ProvideTelemetry,
	ProvideMetrics,
)

var coreSet = wire.NewSet(
	ProvideValidationEngine,
	ProvideStore,
	ProvideRegistry,
	session.NewBroadcaster,
	wire.Bind(new(coresync.Fanout), new(*session.Broadcaster)),
	coresync.NewQueue,
	wire.Bind(new(coresync.Enqueuer), new(*coresync.Queue)),
	ProvideResolver,
	coresync.NewCoordinator,
	coresync.NewMonitor,
	ProvideDecoder,
	server.NewServer,
)

// ProvideLogger builds the process logger. The cleanup flushes it.
func ProvideLogger(cfg log.Config) (log.Log, func(), error) {
	logger, err := log.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func ProvideTelemetry(ctx context.Context, cfg telemetry.Config, logger log.Log) (*telemetry.Provider, func(), error) {
	p, err := telemetry.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := p.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Telemetry shutdown failed", log.Error(err))
		}
	}
	return p, cleanup, nil
}

func ProvideMetrics(p *telemetry.Provider) (*metrics.Collector, error) {
	return metrics.New(p.Meter())
}

func ProvideValidationEngine(cfg config.ValidationConfig) (*validation.Engine, error) {
	return validation.NewEngine(cfg.EffectiveRules())
}

// ProvideStore opens the configured object store, swaps in the Redis change
// feed when asked to, and wraps the result with the upstream deadline and
// tracing.
func ProvideStore(
	cfg config.StoreConfig,
	syncCfg config.SyncConfig,
	engine *validation.Engine,
	tp *telemetry.Provider,
	logger log.Log,
) (store.Client, func(), error) {
	var (
		client   store.Client
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { _ = pg.Close() })
		client = pg
	case config.DriverMemory, "":
		mem := memory.New(memory.WithValidator(engine.Check))
		for _, obj := range cfg.Seed {
			mem.Create(obj)
		}
		client = mem
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if cfg.Feed == config.FeedRedis {
		rdb := redisfeed.NewClient(cfg.Redis)
		cleanups = append(cleanups, func() { _ = rdb.Close() })
		client = redisfeed.New(client, rdb, cfg.Redis, logger)
	}

	if syncCfg.UpstreamTimeout > 0 {
		client = store.WithDeadline(client, syncCfg.UpstreamTimeout)
	}
	if tp.Enabled() {
		client = store.Instrumented(client, tp.Tracer())
	}

	logger.Info("Object store ready",
		log.String("driver", cfg.Driver),
		log.String("feed", cfg.Feed),
		log.Int("seeded", len(cfg.Seed)))
	return client, cleanup, nil
}

func ProvideRegistry(client store.Client, cfg session.Config, collector *metrics.Collector, logger log.Log) *session.Registry {
	return session.NewRegistry(client, cfg, collector, logger)
}

func ProvideResolver(client store.Client, logger log.Log) *coresync.Resolver {
	return coresync.NewResolver(client, logger)
}

func ProvideDecoder(cfg server.Config) (*protocol.Decoder, error) {
	return protocol.NewDecoder(int(cfg.MaxMessageSize))
}
