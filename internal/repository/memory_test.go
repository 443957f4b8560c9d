package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/points-ledger/internal/domain"
	"github.com/Proton-105/points-ledger/internal/points"
)

func newUser() domain.User {
	return domain.User{Name: "gus", FreePoints: 40, PurchasedPoints: 5, FreePointsEligibleAt: time.Now().UTC()}
}

func TestMemoryStoreStagesWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	userFixture := newUser()
	require.NoError(t, s.CreateUser(ctx, &userFixture))

	err := s.Atomic(ctx, userFixture.ID, func(ctx context.Context, tx points.Tx) error {
		u, err := tx.Users().GetByID(ctx, userFixture.ID)
		require.NoError(t, err)
		u.FreePoints = 0
		require.NoError(t, tx.Users().Save(ctx, u))

		// visible inside the unit of work only
		staged, err := tx.Users().GetByID(ctx, userFixture.ID)
		require.NoError(t, err)
		assert.Zero(t, staged.FreePoints)
		return errors.New("abort")
	})
	require.Error(t, err)

	err = s.View(ctx, func(ctx context.Context, tx points.Tx) error {
		u, err := tx.Users().GetByID(ctx, userFixture.ID)
		require.NoError(t, err)
		assert.Equal(t, userFixture.FreePoints, u.FreePoints)

		_, err = tx.Ledger().Append(ctx, nil)
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreAtomicHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	userFixture := newUser()
	require.NoError(t, s.CreateUser(context.Background(), &userFixture))

	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = s.Atomic(context.Background(), userFixture.ID, func(context.Context, points.Tx) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Atomic(ctx, userFixture.ID, func(context.Context, points.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(hold)
}

func TestMemoryStoreEligibleUserIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cutoff := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	due := domain.User{FreePoints: 10, FreePointsEligibleAt: cutoff}
	later := domain.User{FreePointsEligibleAt: cutoff.Add(time.Second)}
	full := domain.User{FreePoints: 200, FreePointsEligibleAt: cutoff.Add(-time.Hour)}
	for _, u := range []*domain.User{&due, &later, &full} {
		require.NoError(t, s.CreateUser(ctx, u))
	}

	ids, err := s.EligibleUserIDs(ctx, 200, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []int64{due.ID}, ids)
}
