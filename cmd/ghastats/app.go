package main

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/collector"
	"github.com/livinlefevreloca/ghastats/internal/config"
	"github.com/livinlefevreloca/ghastats/internal/db"
	"github.com/livinlefevreloca/ghastats/internal/dispatch"
	"github.com/livinlefevreloca/ghastats/internal/logging"
	"github.com/livinlefevreloca/ghastats/internal/metrics"
	"github.com/livinlefevreloca/ghastats/internal/source"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds the components shared by the commands.
type app struct {
	config   *config.Config
	logger   *slog.Logger
	database *db.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	logger.Debug("opening database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(ctx, cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	version, err := database.CurrentVersion(ctx)
	if err != nil {
		database.Close()
		return nil, err
	}
	logger.Debug("database schema ready", "version", version)

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		database.Close()
		return nil, err
	}

	return &app{
		config:   cfg,
		logger:   logger,
		database: database,
		registry: registry,
		metrics:  m,
	}, nil
}

func (a *app) Close() error {
	return a.database.Close()
}

func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	client := source.New(a.config.Source, a.logger, source.WithMetrics(a.metrics))
	c, err := collector.New(a.config.Sync, client, a.database, a.logger,
		collector.WithSessionRecorder(a.database),
		collector.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	return dispatch.New(a.config.Stream, c, a.logger, dispatch.WithMetrics(a.metrics))
}
