package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Proton-105/points-ledger/internal/app"
	"github.com/Proton-105/points-ledger/internal/idempotency"
	"github.com/Proton-105/points-ledger/internal/jobs"
	"github.com/Proton-105/points-ledger/internal/jobs/handlers"
	"github.com/Proton-105/points-ledger/internal/lifecycle"
	"github.com/Proton-105/points-ledger/internal/ops"
	"github.com/Proton-105/points-ledger/internal/ratelimit"
	"github.com/Proton-105/points-ledger/pkg/config"
	"github.com/Proton-105/points-ledger/pkg/graceful"
	"github.com/Proton-105/points-ledger/pkg/logger"
	"github.com/Proton-105/points-ledger/pkg/metrics"
)

const (
	eligibilityInterval = time.Minute
	cleanerInterval     = time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("points ledger stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	cfg, v, err := config.Load()
	if err != nil {
		return err
	}

	log, level := logger.New(cfg.Logger, cfg.Sentry.Enabled)
	slog.SetDefault(log)

	config.Watch(v, log, func(next *config.Config) {
		level.Set(logger.ParseLevel(next.Logger.Level))
		log.Info("log level reloaded", slog.String("level", next.Logger.Level))
	})

	flush, err := app.InitSentry(cfg.Sentry)
	if err != nil {
		return err
	}
	defer flush()

	log.Info("starting points ledger",
		slog.String("env", cfg.AppEnv),
		slog.String("driver", cfg.Database.Driver),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("jobs", cfg.Jobs.Enabled),
	)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	shutdown := lifecycle.NewShutdown(log)
	probes := lifecycle.NewProbes(log, a.Health, shutdown)

	var wg conc.WaitGroup

	if cfg.Jobs.Enabled {
		if a.Redis == nil {
			_ = a.Close()
			return errors.New("jobs.enabled requires redis.enabled")
		}

		redisOpt := jobs.RedisConnOpt(cfg.Redis)

		worker := jobs.NewWorker(redisOpt, cfg.Jobs.Concurrency, log)
		worker.RegisterHandler(jobs.TaskTypeFreePointsSweep, handlers.NewFreePointsSweepHandler(a.Sweeper, log))
		worker.RegisterHandler(jobs.TaskTypePurchase, handlers.NewPurchaseHandler(a.Service, a.Errors, log).
			WithThrottle(ratelimit.NewRedisLimiter(a.Redis, log), ratelimit.Rule{
				Limit:  cfg.Jobs.PurchaseRateLimit,
				Window: cfg.Jobs.PurchaseRateWindow,
			}))

		scheduler := jobs.NewScheduler(redisOpt, cfg.Jobs.SweepCron, log)
		if err := scheduler.RegisterTasks(); err != nil {
			_ = a.Close()
			return err
		}

		if err := worker.Start(); err != nil {
			_ = a.Close()
			return err
		}
		if err := scheduler.Start(); err != nil {
			worker.Shutdown()
			_ = a.Close()
			return err
		}

		shutdown.RegisterStage("jobs", "scheduler", func(context.Context) error {
			scheduler.Shutdown()
			return nil
		})
		shutdown.RegisterStage("jobs", "worker", func(context.Context) error {
			worker.Shutdown()
			return nil
		})
	}

	if a.Redis != nil {
		cleaner := idempotency.NewCleaner(a.Redis, log, cleanerInterval, cfg.Redis.IdempotencyTTL)
		wg.Go(func() { cleaner.Run(ctx) })
	}

	collector := metrics.NewEligibilityCollector(a.Service, eligibilityInterval, log)
	wg.Go(func() { collector.Run(ctx) })

	server := graceful.NewServer(log, cfg.Server, ops.NewRouter(log, probes, nil))
	serveErr := make(chan error, 1)
	wg.Go(func() { serveErr <- server.ListenAndServe(ctx) })

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			log.Error("ops server failed", slog.Any("error", err))
		}
		stop()
	}

	log.Info("points ledger shutting down")

	shutdown.RegisterStage("stores", "stores", func(context.Context) error {
		return a.Close()
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	shutdownErr := shutdown.Execute(shutdownCtx)
	wg.Wait()

	return errors.Join(err, shutdownErr)
}
