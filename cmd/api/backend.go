package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/imagecredits/backend/internal/auth"
	"github.com/imagecredits/backend/internal/config"
	"github.com/imagecredits/backend/internal/execution"
	"github.com/imagecredits/backend/internal/generation"
	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/migrate"
	"github.com/imagecredits/backend/internal/repository"
	"github.com/imagecredits/backend/internal/repository/sqlite"
)

// backend is one storage driver with its stores and background runner.
type backend struct {
	ledger      ledger.Store
	users       auth.Store
	generations generation.Store
	ping        func(ctx context.Context) error
	close       func()
	// startBackground wires the reconciler into svc and starts the sweeps.
	startBackground func(ctx context.Context, svc *ledger.Service) (stop func(), err error)
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL, ensure it is running (e.g. make dev-up): %w", err)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// Schema migrations (goose works on database/sql)
	sqlDB := stdlib.OpenDBFromPool(pool)
	err = migrate.Up(ctx, sqlDB, config.DriverPostgres)
	_ = sqlDB.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("Schema migrations applied")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("river migrate up failed: %w", err)
	}
	slog.Info("River migrations applied")

	users := auth.NewRepository(pool)
	return &backend{
		ledger:      repository.NewCreditRepo(pool),
		users:       users,
		generations: repository.NewGenerationRepo(pool),
		ping:        pool.Ping,
		close:       pool.Close,
		startBackground: func(ctx context.Context, svc *ledger.Service) (func(), error) {
			return startRiver(ctx, pool, svc, users, cfg.Ledger, logger)
		},
	}, nil
}

// startRiver runs the reconcile and sweep workers on the job queue.
func startRiver(ctx context.Context, pool *pgxpool.Pool, svc *ledger.Service, tokens execution.TokenPruner, cfg config.LedgerConfig, logger *slog.Logger) (func(), error) {
	// Insert func is set after the River client is created (breaks init cycle).
	var insertMu sync.Mutex
	var insertFn execution.InsertReconcileFunc
	svc.SetReconciler(execution.NewQueueReconciler(func(ctx context.Context, args execution.ReconcileArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return fmt.Errorf("job queue not started")
		}
		return fn(ctx, args)
	}))

	sweep := &execution.Sweep{Ledger: svc, Tokens: tokens, TTL: cfg.ReservationTTL, Logger: logger}
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewReconcileWorker(svc))
	river.AddWorker(workers, execution.NewExpireReservationsWorker(sweep))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return execution.ExpireReservationsArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, args execution.ReconcileArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(context.WithoutCancel(ctx))
	if err := riverClient.Start(riverCtx); err != nil {
		stopRiver()
		return nil, fmt.Errorf("start River client: %w", err)
	}
	return func() {
		if err := riverClient.Stop(riverCtx); err != nil {
			slog.Error("River client stop failed", "error", err)
		}
		stopRiver()
	}, nil
}

func openSQLite(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	db, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}
	slog.Info("Opened SQLite database", "path", db.Path())

	return &backend{
		ledger:      db,
		users:       db,
		generations: db,
		ping:        db.PingContext,
		close:       func() { _ = db.Close() },
		startBackground: func(_ context.Context, svc *ledger.Service) (func(), error) {
			local := execution.NewLocal(svc, execution.LocalOptions{
				Sweep:         &execution.Sweep{Ledger: svc, Tokens: db, TTL: cfg.Ledger.ReservationTTL, Logger: logger},
				SweepInterval: cfg.Ledger.SweepInterval,
				Logger:        logger,
			})
			svc.SetReconciler(local)
			if err := local.Start(); err != nil {
				local.Stop()
				return nil, err
			}
			return local.Stop, nil
		},
	}, nil
}
