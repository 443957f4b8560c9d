// Command sweep grants free points to every eligible user once, or enqueues
// the sweep for the worker with -enqueue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Proton-105/points-ledger/internal/app"
	"github.com/Proton-105/points-ledger/internal/jobs"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/pkg/config"
	"github.com/Proton-105/points-ledger/pkg/logger"
)

func main() {
	enqueue := flag.Bool("enqueue", false, "enqueue the sweep for the worker instead of running it inline")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *enqueue); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, enqueue bool) error {
	cfg, _, err := config.Load()
	if err != nil {
		return err
	}

	log, _ := logger.New(cfg.Logger, cfg.Sentry.Enabled)

	if enqueue {
		return enqueueSweep(ctx, cfg, log)
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Sweeper.Run(ctx)
	if errors.Is(err, points.ErrAccrualDisabled) {
		fmt.Println("Free Point System is disabled!")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(stats.Summary())
	return nil
}

func enqueueSweep(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if !cfg.Redis.Enabled {
		return errors.New("-enqueue requires redis.enabled")
	}

	manager := jobs.NewManager(jobs.RedisConnOpt(cfg.Redis), log)
	defer manager.Close()

	task, err := jobs.NewFreePointsSweepTask(jobs.TriggerManual, 0)
	if err != nil {
		return err
	}

	info, err := manager.Enqueue(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue sweep: %w", err)
	}

	fmt.Printf("free point sweep enqueued as %s on queue %s\n", info.ID, info.Queue)
	return nil
}
