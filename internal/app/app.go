// Package app wires a workspace into a ready-to-use engine: database,
// migrations, config, executor stack, notifier and supervisor.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"venturegate/internal/config"
	"venturegate/internal/db"
	"venturegate/internal/engine"
	"venturegate/internal/migrate"
	"venturegate/internal/notify"
	"venturegate/internal/supervisor"
	"venturegate/internal/task"
)

type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Supervisor *supervisor.Supervisor
}

// Open builds the application for a workspace. The executor may be nil, in
// which case the scripted backend is used.
func Open(workspace string, executor task.Executor) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if executor == nil {
		executor = task.Scripted()
	}
	schemas, err := task.CompileSchemas()
	if err != nil {
		conn.Close()
		return nil, err
	}
	executor = task.WithValidation(executor, schemas)
	executor = task.WithTimeout(executor, time.Duration(cfg.Orchestrator.TaskTimeoutSec)*time.Second)

	eng := engine.New(conn, cfg, executor)
	if cfg.Notify.URL != "" {
		eng.Notifier = notify.NewWebhookNotifier(cfg.Notify.URL, time.Duration(cfg.Notify.TimeoutSec)*time.Second)
	}

	sup := supervisor.New(eng, eng.Repo, cfg.Orchestrator.Workers, time.Duration(cfg.Orchestrator.PollIntervalSec)*time.Second)
	eng.OnRunnable = func(runID string) {
		sup.Submit(context.Background(), runID)
	}

	return &App{DB: conn, Config: cfg, Engine: eng, Supervisor: sup}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
