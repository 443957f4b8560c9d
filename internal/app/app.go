// Package app assembles the ledger's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"github.com/Proton-105/points-ledger/internal/database"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/health"
	"github.com/Proton-105/points-ledger/internal/idempotency"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/internal/usercache"
	"github.com/Proton-105/points-ledger/internal/userlock"
	"github.com/Proton-105/points-ledger/pkg/config"
	appredis "github.com/Proton-105/points-ledger/pkg/redis"
)

const sentryFlushTimeout = 2 * time.Second

// App holds the wired core. Redis and Idempotency are nil when redis is
// disabled.
type App struct {
	Config      *config.Config
	Log         *slog.Logger
	Store       *database.Store
	Redis       *redis.Client
	Idempotency *idempotency.Manager
	Errors      *apperrors.Handler
	Service     *points.Service
	Sweeper     *points.Sweeper
	Health      *health.Checker
}

// InitSentry configures the sentry client when enabled. The returned func
// flushes buffered events.
func InitSentry(cfg config.SentryConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}

	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}

// Build opens the store, connects redis when enabled and wires the points
// service with its lock, cache and idempotency collaborators.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	settings, err := points.SettingsFromConfig(cfg.Points)
	if err != nil {
		return nil, fmt.Errorf("points settings: %w", err)
	}

	store, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Log:    log,
		Store:  store,
		Errors: apperrors.NewHandler(log, cfg.Sentry.Enabled),
		Health: health.NewChecker(log),
	}

	if store.DB != nil {
		a.Health.AddCheck("database", health.NewDBChecker(store.DB))
	}

	var opts []points.Option
	if cfg.Redis.Enabled {
		client, err := appredis.New(ctx, cfg.Redis)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.Redis = client
		a.Idempotency = idempotency.NewManager(idempotency.NewRedisStore(client, log), cfg.Redis.IdempotencyTTL, log)

		opts = append(opts,
			points.WithLocker(userlock.NewRedisLocker(client, cfg.Redis.LockTTL, cfg.Redis.LockWait, log)),
			points.WithBalanceCache(usercache.NewCache(client, cfg.Redis.CacheTTL)),
			points.WithDeduplicator(a.Idempotency),
		)
		a.Health.AddCheck("redis", health.NewRedisChecker(client))
	}

	a.Service = points.NewService(store, settings, log, opts...)
	a.Sweeper = points.NewSweeper(a.Service, cfg.Jobs.SweepWorkers, log)
	a.Health.AddCheck("free_grant", health.NewGrantItemChecker(a.Service, settings.FreePointsEnabled))

	return a, nil
}

// Close releases redis and the database pool.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
