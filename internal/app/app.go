// Package app wires the adapters and services into a running observer.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lcalzada-xor/netinsight/internal/adapters/capture"
	"github.com/lcalzada-xor/netinsight/internal/adapters/storage"
	"github.com/lcalzada-xor/netinsight/internal/adapters/web"
	"github.com/lcalzada-xor/netinsight/internal/config"
	"github.com/lcalzada-xor/netinsight/internal/core/services/flow"
	"github.com/lcalzada-xor/netinsight/internal/core/services/identify"
	"github.com/lcalzada-xor/netinsight/internal/core/services/registry"
	"github.com/lcalzada-xor/netinsight/internal/core/services/threat"
	"github.com/lcalzada-xor/netinsight/internal/geo"
	"github.com/lcalzada-xor/netinsight/internal/telemetry"
)

const retentionInterval = 24 * time.Hour

// Application owns every component and their startup and shutdown order.
type Application struct {
	Config *config.Config
	Logger *slog.Logger

	Store      *storage.SQLiteAdapter
	Geo        *geo.Provider
	Identifier *identify.Identifier
	Registry   *registry.Registry
	Scorer     *threat.Scorer
	Hub        *web.Hub
	Engine     *flow.Engine
	WebServer  *web.Server
	Source     *capture.Source
}

// New bootstraps all components against cfg. Nothing is started yet.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &Application{Config: cfg, Logger: logger}
	if err := app.bootstrap(); err != nil {
		return nil, fmt.Errorf("application bootstrap failed: %w", err)
	}
	return app, nil
}

func (app *Application) bootstrap() error {
	telemetry.InitMetrics()
	cfg := app.Config

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	store, err := storage.NewSQLiteAdapter(cfg.DBPath, app.Logger)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	app.Store = store

	app.Geo = geo.NewProvider(cfg.GeoIPPath)

	app.Identifier = identify.New(identify.Config{
		EnableDNSTracking:    true,
		EnableReverseDNS:     cfg.ReverseDNSEnabled,
		ReverseDNSTimeout:    cfg.ReverseDNSTimeout,
		ReverseDNSRetries:    cfg.ReverseDNSRetries,
		EnableFingerprinting: true,
		EnableDPI:            cfg.EnableDPI,
		EnableHTTPHost:       cfg.EnableHTTPHost,
		EnableALPN:           cfg.EnableALPN,
	}, app.Logger)

	app.Hub = web.NewHub(app.Logger)
	app.Registry = registry.New(store, app.Hub, app.Identifier, app.Logger)
	app.Scorer = threat.New(store, app.Hub, app.Logger)

	captureCfg := capture.DefaultConfig(cfg.Interface)
	captureCfg.BPFFilter = cfg.BPFFilter
	if !cfg.EnableIPv6 {
		captureCfg.BPFFilter = "ip"
	}
	source, err := capture.NewSource(captureCfg, app.Logger)
	if err != nil {
		return fmt.Errorf("init capture: %w", err)
	}
	app.Source = source

	app.Engine = flow.New(flow.Options{
		SamplingRate:  cfg.SamplingRate,
		IdleTimeout:   cfg.IdleTimeout,
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval,
		SkipLocal:     cfg.SkipLocalTraffic,
		EnableALPN:    cfg.EnableALPN,
	}, source, store, app.Registry, app.Scorer, app.Identifier, app.Geo, app.Hub, app.Logger)

	app.WebServer = web.NewServer(cfg.Addr, store, app.Engine, app.Hub, app.Logger)
	return nil
}

// Run starts the pipeline and the web server and blocks until ctx is
// cancelled or a component fails.
func (app *Application) Run(ctx context.Context) error {
	errChan := make(chan error, 2)

	go func() {
		if err := app.WebServer.Run(ctx); err != nil {
			errChan <- fmt.Errorf("web server: %w", err)
		}
	}()

	if err := app.Engine.Start(ctx); err != nil {
		return fmt.Errorf("flow engine: %w", err)
	}

	go app.retentionLoop(ctx)

	app.Logger.Info("netinsight running",
		"interface", app.Source.Interface(),
		"addr", app.Config.Addr,
		"sampling", app.Config.SamplingRate)

	select {
	case <-ctx.Done():
		app.Logger.Info("termination signal received")
	case err := <-errChan:
		app.cleanup(context.Background())
		return err
	}

	return app.cleanup(context.Background())
}

// retentionLoop deletes expired flows and dismissed threats once a day. A
// pass runs at startup so a long-stopped observer trims its backlog
// immediately.
func (app *Application) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		if _, err := app.Store.CleanupOldData(ctx, app.Config.RetentionDays); err != nil {
			app.Logger.Error("retention cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cleanup drains the pipeline before closing the store so no batched flow
// is lost.
func (app *Application) cleanup(ctx context.Context) error {
	app.Logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := app.Engine.Stop(stopCtx); err != nil {
		app.Logger.Error("engine stop failed", "error", err)
	}

	app.Geo.Close()
	if err := app.Store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}
