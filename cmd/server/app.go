package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rpattn/sheetsync/internal/config"
	"github.com/rpattn/sheetsync/internal/db"
	"github.com/rpattn/sheetsync/internal/logger"
	"github.com/rpattn/sheetsync/internal/reconcile"
	"github.com/rpattn/sheetsync/internal/repository"
	"github.com/rpattn/sheetsync/internal/source"
)

// app holds the wired process components.
type app struct {
	cfg          config.Config
	log          *zap.Logger
	conn         *db.Connection
	orchestrator *reconcile.Orchestrator
}

func loadConfig(configPath string) (config.Config, *zap.Logger, error) {
	cfg, used, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logger.New(cfg.Logging)
	if used != "" {
		log.Info("Loaded config", zap.String("file", used))
	} else {
		log.Info("No config file found, using defaults and environment")
	}
	return cfg, log, nil
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := repository.NewRecordRepository(conn.Pool)
	orchestrator := reconcile.NewOrchestrator(reconcile.Dependencies{
		Reader:    source.NewSpreadsheetReader(cfg.Sheets()),
		Records:   store,
		Deletions: repository.NewDeletionRepository(conn.Pool),
		Runs:      repository.NewSyncRunRepository(conn.Pool),
		Workers:   cfg.Sync.Workers,
		Logger:    logger.Component(log, "orchestrator"),
	}, scopesFromConfig(cfg))

	return &app{cfg: cfg, log: log, conn: conn, orchestrator: orchestrator}, nil
}

func (a *app) Close() {
	a.conn.Close()
	_ = a.log.Sync()
}

func scopesFromConfig(cfg config.Config) []reconcile.Scope {
	scopes := make([]reconcile.Scope, 0, len(cfg.Scopes))
	for _, scope := range cfg.Scopes {
		scopes = append(scopes, reconcile.Scope{
			Name:     scope.Name,
			Batch:    cfg.Sync.Batch,
			Deletion: scope.Deletion(cfg.Sync.Deletion),
		})
	}
	return scopes
}

func schedulesFromConfig(cfg config.Config) []reconcile.Schedule {
	schedules := make([]reconcile.Schedule, 0, len(cfg.Scopes))
	for _, scope := range cfg.Scopes {
		schedule := reconcile.Schedule{
			Scope:      scope.Name,
			Interval:   scope.Interval,
			RunOnStart: scope.RunOnStart,
		}
		if scope.Watch {
			schedule.WatchPath = scope.Sheet.Path
		}
		schedules = append(schedules, schedule)
	}
	return schedules
}
