package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/points-ledger/internal/domain"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "points.db"),
			AutoMigrate: true,
		},
		Jobs: config.JobsConfig{SweepWorkers: 2},
		Points: config.PointsConfig{
			EligibilityMinutes: 180,
			MaxFreePoints:      200,
			FreeItemType:       "FREE_POINTS",
			FreeItemPoints:     50,
			EnableFreePoints:   true,
			Purchasable:        []string{"PURCHASE_POINTS", "PURCHASE_ITEMS"},
			SuccessStatus:      "SUCCESS",
		},
	}
}

func TestBuildWithSQLiteAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis = config.RedisConfig{
		Enabled:        true,
		Addr:           mr.Addr(),
		LockTTL:        5 * time.Second,
		LockWait:       time.Second,
		CacheTTL:       time.Minute,
		IdempotencyTTL: time.Hour,
	}

	a, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	require.NotNil(t, a.Redis)
	require.NotNil(t, a.Idempotency)
	assert.NoError(t, a.Health.Ready(context.Background()))

	grant, err := a.Service.FreeGrantItem(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ItemTypeFreePoints, grant.Type)

	_, err = a.Sweeper.Run(context.Background())
	require.NoError(t, err)
}

func TestBuildInMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Driver: "memory"}
	cfg.Points.EnableFreePoints = false

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Redis)
	assert.NoError(t, a.Health.Ready(context.Background()))

	_, err = a.Sweeper.Run(context.Background())
	assert.ErrorIs(t, err, points.ErrAccrualDisabled)
}

func TestBuildRejectsBadSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Points.FreeItemType = "GIFT"

	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestInitSentryDisabled(t *testing.T) {
	flush, err := InitSentry(config.SentryConfig{})
	require.NoError(t, err)
	flush()
}
