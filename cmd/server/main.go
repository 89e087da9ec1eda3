package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/zeusync/spatialsync/internal/config"
	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/injector"
	"github.com/zeusync/spatialsync/internal/server"
)

const Version = "0.1.0"

const usage = `Spatial object sync server.

Settings are read from the config file, then SPATIALSYNC_* environment
variables, then the flags below.

Usage:
    spatialsync-server [--config=<path>] [--listen=<addr>] [--log-level=<lvl>]
    spatialsync-server token <subject> [--config=<path>] [--ttl=<ttl>]
    spatialsync-server -h | --help
    spatialsync-server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML configuration file.
    --listen=<addr>    Listen address, overrides server.listen_addr.
    --log-level=<lvl>  debug, info, warn or error.
    --ttl=<ttl>        Token lifetime [default: 24h].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}

	if issue, _ := opts.Bool("token"); issue {
		if err := printToken(opts, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Error issuing token:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "Error running server:", err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (config.Config, error) {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if listen, _ := opts.String("--listen"); listen != "" {
		cfg.Server.ListenAddr = listen
	}
	if level, _ := opts.String("--log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, cfg.Validate()
}

func printToken(opts docopt.Opts, cfg config.Config) error {
	if cfg.Server.Auth.Secret == "" {
		return fmt.Errorf("server.auth.secret is not configured")
	}
	subject, _ := opts.String("<subject>")
	rawTTL, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(rawTTL)
	if err != nil {
		return fmt.Errorf("--ttl: %w", err)
	}
	token, err := server.NewAuthenticator(cfg.Server.Auth).IssueToken(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := injector.InitializeApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	app.Logger.Info("Starting spatialsync server",
		log.String("version", Version),
		log.String("listen_addr", cfg.Server.ListenAddr),
		log.String("store", cfg.Store.Driver),
		log.String("feed", cfg.Store.Feed))

	// Run returns after ctx is cancelled and shutdown has completed.
	if err := app.Server.Run(ctx); err != nil {
		app.Logger.Error("Server exited with error", log.Error(err))
		return err
	}
	app.Logger.Info("Shutdown complete")
	return nil
}
