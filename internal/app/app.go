// Package app wires the governance components from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"finguard/internal/audit"
	"finguard/internal/config"
	"finguard/internal/db"
	"finguard/internal/governance"
	"finguard/internal/lock"
	"finguard/internal/metrics"
	"finguard/internal/migrate"
	"finguard/internal/repo"
	"finguard/internal/rules"
	"finguard/internal/sla"
	"finguard/internal/workflow"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	// Collaborator replaces the one described by config.collaborator.
	Collaborator governance.Collaborator
	Now          func() time.Time
}

// App holds the wired components of one workspace.
type App struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Metrics    *metrics.Collector
	Ledger     *audit.Ledger
	Timers     *sla.Engine
	Dispatcher *governance.Dispatcher
	Governance *governance.Orchestrator

	redis *redis.Client
}

// Build opens and migrates the workspace database, then wires every
// component. Close releases what Build opened.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{DB: conn, Config: cfg}
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	ruleEngine, err := rules.New(cfg.Rules)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	locker, err := a.locker(ctx, cfg.Locks, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = metrics.New(opts.Registry)
	r := repo.Repo{DB: conn}
	a.Repo = r
	a.Ledger = audit.New(conn, audit.Options{
		Genesis: cfg.Audit.Genesis,
		Now:     opts.Now,
		Logger:  logger,
		Metrics: a.Metrics,
	})
	a.Timers = sla.New(conn, sla.Options{Now: opts.Now, Logger: logger, Buffer: cfg.SLA.Buffer})

	collab := opts.Collaborator
	if collab == nil {
		collab = collaborator(cfg.Collaborator, logger)
	}
	a.Dispatcher = &governance.Dispatcher{
		Repo:         r,
		Collaborator: collab,
		MaxAttempts:  cfg.Collaborator.MaxAttempts,
		Logger:       logger.With("component", "dispatcher"),
		Metrics:      a.Metrics,
		Now:          opts.Now,
	}
	a.Governance = governance.New(governance.Options{
		Repo:   r,
		Rules:  ruleEngine,
		Ledger: a.Ledger,
		Timers: a.Timers,
		Workflow: workflow.Engine{
			DB:                 conn,
			Repo:               r,
			Ledger:             a.Ledger,
			Timers:             a.Timers,
			Locks:              locker,
			Metrics:            a.Metrics,
			Logger:             logger.With("component", "workflow"),
			Workflows:          cfg.Workflows,
			ForbidSelfApproval: cfg.Workflow.ForbidSelfApproval,
			Now:                opts.Now,
		},
		Dispatcher:     a.Dispatcher,
		Metrics:        a.Metrics,
		Logger:         logger,
		Now:            opts.Now,
		HistoryWindow:  cfg.Workflow.HistoryWindow.Std(),
		SLASchedule:    cfg.SLA.PollSchedule,
		VerifySchedule: cfg.Audit.VerifySchedule,
		RetrySchedule:  cfg.Collaborator.RetrySchedule,
	})
	return a, nil
}

func (a *App) locker(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (lock.Locker, error) {
	switch cfg.Backend {
	case "", "local":
		return lock.NewLocal(cfg.Shards), nil
	case "redis":
		a.redis = lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis lock backend %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("using redis request locks", "addr", cfg.Redis.Addr)
		return lock.NewRedis(a.redis, cfg.Redis.TTL.Std()), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
}

func collaborator(cfg config.CollaboratorConfig, logger *slog.Logger) governance.Collaborator {
	if cfg.Kind == "webhook" {
		return governance.NewWebhookCollaborator(cfg.URL, cfg.Secret, cfg.Timeout.Std())
	}
	return governance.LogCollaborator{Logger: logger.With("component", "collaborator")}
}

// Close waits for in-flight deliveries and closes the database and the
// redis client.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
