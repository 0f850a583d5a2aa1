package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/aggregate"
	"github.com/ankityadav/crmpulse/internal/config"
	"github.com/ankityadav/crmpulse/internal/hub"
	"github.com/ankityadav/crmpulse/internal/metrics"
	"github.com/ankityadav/crmpulse/internal/monitor"
	"github.com/ankityadav/crmpulse/internal/notifier"
	"github.com/ankityadav/crmpulse/internal/server"
	"github.com/ankityadav/crmpulse/internal/storage"
)

// engine holds every long-running component of one process.
type engine struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *storage.Database
	hub    *hub.Hub
	orch   *monitor.Orchestrator
	agg    *aggregate.Aggregator
	server *server.Server
}

func newLogger(toFile bool) (*zap.Logger, error) {
	if !toFile {
		return zap.NewProduction()
	}
	dir, err := config.GetConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, config.AppName+".log")
	zc := zap.NewDevelopmentConfig()
	zc.OutputPaths = []string{path}
	zc.ErrorOutputPaths = []string{path}
	return zc.Build()
}

func openDatabase(cfg *config.Config) (*storage.Database, error) {
	dsn := cfg.Database.DSN
	if dsn == "" && cfg.Database.Driver == "sqlite" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, fmt.Errorf("failed to get database path: %w", err)
		}
		dsn = path
	}

	db, err := storage.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func newEngine(cfg *config.Config, log *zap.Logger) (*engine, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	desktop := notifier.NewDesktop()
	desktop.SetEnabled(cfg.DesktopNotifications)
	sinks := func(t config.Tenant) (notifier.Notifier, error) {
		return notifier.Build(t.Notify, log.With(zap.String("tenant", t.ID)), desktop)
	}

	orch := monitor.NewOrchestrator(cfg.Registry(), monitor.NewFactory(cfg, db, sinks, log, m), log, m)
	h := hub.New(nil, log)
	orch.AddListener(server.StatusEvents(h))
	agg := aggregate.New(db, orch.Tenants, log, m)

	return &engine{
		cfg:  cfg,
		log:  log,
		db:   db,
		hub:  h,
		orch: orch,
		agg:  agg,
		server: server.New(server.Options{
			Engine:     orch,
			Aggregates: agg,
			Hub:        h,
			Gatherer:   reg,
			Logger:     log,
		}),
	}, nil
}

// start launches the hub, monitors and aggregation jobs, then serves HTTP in the
// background. The returned channel yields the server's exit error.
func (e *engine) start(ctx context.Context) (<-chan error, error) {
	go e.hub.Run(ctx)

	if n := e.orch.Start(ctx); n == 0 && len(e.cfg.Tenants) > 0 {
		e.log.Warn("no tenant monitor started")
	}
	if err := e.agg.Start(ctx); err != nil {
		return nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.server.ListenAndServe(ctx, e.cfg.Listen)
	}()
	return errCh, nil
}

func (e *engine) stop() {
	e.agg.Stop()
	e.orch.Stop()
	if err := e.db.Close(); err != nil {
		e.log.Warn("failed to close database", zap.Error(err))
	}
	_ = e.log.Sync()
}
