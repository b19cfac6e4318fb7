// Package server wires configuration, transport, job manager, scheduler and
// the HTTP admin API into a runnable worker.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/memory"
	natspool "github.com/openjobspec/ojs-pubsub-jobs/internal/nats"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/scheduler"
)

// Pool is a connection pool that can also list dead letters and report health.
type Pool interface {
	pubsub.ConnectionPool
	pubsub.DeadLetterLister
	pubsub.Pinger
}

// RegisterFunc binds executors to the manager before queue overrides apply.
type RegisterFunc func(m *manager.Manager) error

// App is a fully wired worker.
type App struct {
	Config    Config
	Pool      Pool
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Router    http.Handler

	logger *slog.Logger
}

// NewApp builds the transport pool, registers executors, applies per-queue
// overrides and schedules, and builds the router. Nothing is started.
func NewApp(cfg Config, logger *slog.Logger, register RegisterFunc) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conns := pubsub.NewConnections(cfg.DefaultConnection(), cfg.Connections)

	var pool Pool
	switch cfg.Transport {
	case TransportMemory:
		pool = memory.NewPool(conns, logger)
	default:
		pool = natspool.NewPool(conns, logger)
	}

	m := manager.New(manager.Config{
		Registry: queue.NewRegistry(cfg.BackgroundJobs),
		Pool:     pool,
		Logger:   logger,
		Consume:  cfg.Consume,
	})
	if register != nil {
		if err := register(m); err != nil {
			pool.Close()
			return nil, err
		}
	}
	for name, o := range cfg.Queues {
		if err := m.Override(name, o); err != nil {
			pool.Close()
			return nil, err
		}
	}

	sched := scheduler.New(m, logger)
	for _, s := range cfg.Schedules {
		if err := sched.Add(s); err != nil {
			pool.Close()
			return nil, err
		}
	}

	app := &App{
		Config:    cfg,
		Pool:      pool,
		Manager:   m,
		Scheduler: sched,
		logger:    logger,
	}
	app.Router = NewRouter(app, logger)
	return app, nil
}

// Start initializes processing and starts the scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.Manager.Initialize(ctx); err != nil {
		return err
	}
	a.Scheduler.Start()
	return nil
}

// Close stops the scheduler, drains processors and closes the pool.
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop()
	if err := a.Manager.Shutdown(ctx); err != nil {
		a.logger.Error("manager shutdown failed", "error", err)
	}
	return a.Pool.Close()
}
