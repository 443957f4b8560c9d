package points_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/internal/repository"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *repository.MemoryStore
	clock   *fakeClock
	service *points.Service
	grant   domain.Item
	mug     domain.Item
	bundle  domain.Item
}

func newFixture(t *testing.T, settings points.Settings, opts ...points.Option) *fixture {
	t.Helper()

	ctx := context.Background()
	f := &fixture{
		store: repository.NewMemoryStore(),
		clock: &fakeClock{now: start},
	}

	f.grant = domain.Item{Name: "Free Points", Type: domain.ItemTypeFreePoints, Points: 50}
	f.mug = domain.Item{Name: "Mug", Type: domain.ItemTypePurchaseItems, Points: 100, IsAvailable: true}
	f.bundle = domain.Item{Name: "500 points", Price: "4.99", Type: domain.ItemTypePurchasePoints, Points: 500, IsAvailable: true}
	require.NoError(t, f.store.CreateItem(ctx, &f.grant))
	require.NoError(t, f.store.CreateItem(ctx, &f.mug))
	require.NoError(t, f.store.CreateItem(ctx, &f.bundle))

	opts = append([]points.Option{points.WithClock(f.clock)}, opts...)
	f.service = points.NewService(f.store, settings, testLogger(), opts...)
	return f
}

func (f *fixture) user(t *testing.T, free, purchased int64, eligibleAt time.Time) domain.User {
	t.Helper()

	u := domain.User{Name: "alice", Email: "alice@example.com", FreePoints: free, PurchasedPoints: purchased, FreePointsEligibleAt: eligibleAt, IsActive: true}
	require.NoError(t, f.store.CreateUser(context.Background(), &u))
	return u
}

func (f *fixture) load(t *testing.T, id int64) (domain.User, []domain.Transaction) {
	t.Helper()

	var (
		user domain.User
		txns []domain.Transaction
	)
	err := f.store.View(context.Background(), func(ctx context.Context, tx points.Tx) error {
		u, err := tx.Users().GetByID(ctx, id)
		if err != nil {
			return err
		}
		user = *u
		txns, err = tx.Ledger().ListByUser(ctx, id)
		return err
	})
	require.NoError(t, err)
	return user, txns
}

func TestServicePurchaseSplitsFreeFirst(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 40, 80, start.Add(time.Hour))

	res, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)

	assert.NotZero(t, res.TransactionID)
	assert.Zero(t, res.AccrualTransactionID)
	assert.Equal(t, int64(0), res.Balance.FreePoints)
	assert.Equal(t, int64(20), res.Balance.PurchasedPoints)

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(0), user.FreePoints)
	assert.Equal(t, int64(20), user.PurchasedPoints)
	require.Len(t, txns, 1)
	assert.Equal(t, res.TransactionID, txns[0].ID)
	assert.Equal(t, int64(40), txns[0].FreePointsUsed)
	assert.Equal(t, int64(60), txns[0].PurchasedPointsUsed)
	assert.Equal(t, f.mug.ID, txns[0].ItemID)
}

func TestServicePurchaseAccruesFirst(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	// 30 free + one due grant of 50 covers the 100 point mug with 20 purchased.
	u := f.user(t, 30, 20, start.Add(-180*time.Minute))

	res, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)
	assert.NotZero(t, res.AccrualTransactionID)

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(0), user.FreePoints)
	assert.Equal(t, int64(0), user.PurchasedPoints)
	assert.True(t, start.Equal(user.FreePointsEligibleAt))

	require.Len(t, txns, 2)
	assert.Equal(t, f.grant.ID, txns[0].ItemID)
	assert.Equal(t, int64(1), txns[0].Quantity)
	assert.Equal(t, int64(80), txns[1].FreePointsUsed)
	assert.Equal(t, int64(20), txns[1].PurchasedPointsUsed)
}

func TestServicePurchaseInsufficientRollsBackAccrual(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	expensive := domain.Item{Name: "TV", Type: domain.ItemTypePurchaseItems, Points: 500, IsAvailable: true}
	require.NoError(t, f.store.CreateItem(context.Background(), &expensive))

	eligibleAt := start.Add(-180 * time.Minute)
	u := f.user(t, 10, 10, eligibleAt)

	_, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: expensive.ID})
	require.Error(t, err)

	var insufficient *apperrors.InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(430), insufficient.Shortfall)

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(10), user.FreePoints)
	assert.Equal(t, int64(10), user.PurchasedPoints)
	assert.True(t, eligibleAt.Equal(user.FreePointsEligibleAt))
	assert.Empty(t, txns)
}

func TestServicePurchaseInsufficientWithoutAccrual(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	expensive := domain.Item{Name: "TV", Type: domain.ItemTypePurchaseItems, Points: 500, IsAvailable: true}
	require.NoError(t, f.store.CreateItem(context.Background(), &expensive))
	u := f.user(t, 10, 10, start.Add(time.Hour))

	_, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: expensive.ID})

	var insufficient *apperrors.InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(480), insufficient.Shortfall)

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(20), user.TotalPoints())
	assert.Empty(t, txns)
}

func TestServicePurchasePoints(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 0, 0, start.Add(time.Hour))

	res, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.bundle.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Balance.PurchasedPoints)

	_, txns := f.load(t, u.ID)
	require.Len(t, txns, 1)
	assert.Zero(t, txns[0].PointsUsed())
}

func TestServicePurchaseErrors(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 500, 0, start.Add(time.Hour))

	_, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: 999, ItemID: f.mug.ID})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: 999})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.grant.ID})
	assert.True(t, errors.Is(err, apperrors.ErrCanNotBePurchased))

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(500), user.FreePoints)
	assert.Empty(t, txns)
}

func TestServicePurchaseWithoutFreeGrantItem(t *testing.T) {
	settings := points.DefaultSettings()
	settings.FreeItemPoints = 75 // no catalog item matches

	f := newFixture(t, settings)
	u := f.user(t, 60, 60, start.Add(-24*time.Hour))

	res, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)
	assert.Zero(t, res.AccrualTransactionID)

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(0), user.FreePoints)
	assert.Equal(t, int64(20), user.PurchasedPoints)
	assert.Len(t, txns, 1)
}

func TestServicePurchaseWithDuplicateFreeGrantItem(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	dup := domain.Item{Name: "Free Points 2", Type: domain.ItemTypeFreePoints, Points: 50}
	require.NoError(t, f.store.CreateItem(context.Background(), &dup))
	u := f.user(t, 60, 60, start.Add(-24*time.Hour))

	res, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)
	assert.Zero(t, res.AccrualTransactionID)

	_, err = f.service.Accrue(context.Background(), u.ID)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
	assert.True(t, errors.Is(err, apperrors.ErrMultipleFound))
}

func TestServiceAccrualDisabled(t *testing.T) {
	settings := points.DefaultSettings()
	settings.FreePointsEnabled = false

	f := newFixture(t, settings)
	u := f.user(t, 0, 100, start.Add(-24*time.Hour))

	res, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)
	assert.Zero(t, res.AccrualTransactionID)
	assert.Equal(t, int64(0), res.Balance.FreePoints)

	_, err = f.service.Accrue(context.Background(), u.ID)
	assert.ErrorIs(t, err, points.ErrAccrualDisabled)
}

func TestServiceAccrue(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 30, 10, start)

	f.clock.Advance(180 * time.Minute)

	res, err := f.service.Accrue(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, res.Granted())
	assert.Equal(t, int64(1), res.Quantity)
	assert.Equal(t, int64(80), res.Balance.FreePoints)

	again, err := f.service.Accrue(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, again.Granted())

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(80), user.FreePoints)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(1), txns[0].Quantity)
}

func TestServiceAccrueCeilingDropsPartialGrant(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 180, 0, start)

	f.clock.Advance(180 * time.Minute)

	res, err := f.service.Accrue(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, res.Granted())

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(180), user.FreePoints)
	assert.True(t, f.clock.Now().Add(180*time.Minute).Equal(user.FreePointsEligibleAt))
	assert.Empty(t, txns)
}

func TestServiceConcurrentPurchasesForOneUser(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	item := domain.Item{Name: "Lamp", Type: domain.ItemTypePurchaseItems, Points: 70, IsAvailable: true}
	require.NoError(t, f.store.CreateItem(context.Background(), &item))
	u := f.user(t, 50, 50, start.Add(time.Hour))

	var (
		wg           sync.WaitGroup
		successes    atomic.Int32
		insufficient atomic.Int32
	)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: item.ID})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, apperrors.ErrInsufficientPoints):
				insufficient.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), insufficient.Load())

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(30), user.TotalPoints())
	assert.Len(t, txns, 1)
}

// flakyStore fails the first Atomic calls with a transient error.
type flakyStore struct {
	points.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) Atomic(ctx context.Context, userID int64, fn func(ctx context.Context, tx points.Tx) error) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return apperrors.NewDatabaseError(errors.New("connection reset"))
	}
	return s.Store.Atomic(ctx, userID, fn)
}

func TestServiceRetriesTransientStoreErrors(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 100, 0, start.Add(time.Hour))

	flaky := &flakyStore{Store: f.store}
	flaky.failures.Store(1)
	svc := points.NewService(flaky, points.DefaultSettings(), testLogger(), points.WithClock(f.clock))

	_, err := svc.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)
	assert.Equal(t, int32(2), flaky.calls.Load())

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(0), user.FreePoints)
	assert.Len(t, txns, 1)
}

func TestServiceDoesNotRetryDomainErrors(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 10, 0, start.Add(time.Hour))

	flaky := &flakyStore{Store: f.store}
	svc := points.NewService(flaky, points.DefaultSettings(), testLogger(), points.WithClock(f.clock))

	_, err := svc.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientPoints)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

// memoryDedup replays transaction ids by key.
type memoryDedup struct {
	mu   sync.Mutex
	seen map[string]int64
}

func (d *memoryDedup) Execute(ctx context.Context, key string, fn func(ctx context.Context) (int64, error)) (int64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.seen[key]; ok {
		return id, true, nil
	}
	id, err := fn(ctx)
	if err != nil {
		return 0, false, err
	}
	d.seen[key] = id
	return id, false, nil
}

func TestServicePurchaseIdempotencyKey(t *testing.T) {
	dedup := &memoryDedup{seen: make(map[string]int64)}
	f := newFixture(t, points.DefaultSettings(), points.WithDeduplicator(dedup))
	u := f.user(t, 300, 0, start.Add(time.Hour))

	req := points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID, IdempotencyKey: "order-1"}

	first, err := f.service.Purchase(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.service.Purchase(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	user, txns := f.load(t, u.ID)
	assert.Equal(t, int64(200), user.FreePoints)
	assert.Len(t, txns, 1)
}

type mapCache struct {
	mu          sync.Mutex
	balances    map[int64]domain.Balance
	invalidated []int64
}

func (c *mapCache) Get(_ context.Context, userID int64) (*domain.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[userID]; ok {
		return &b, nil
	}
	return nil, nil
}

func (c *mapCache) Set(_ context.Context, userID int64, balance *domain.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[userID] = *balance
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.balances, userID)
	c.invalidated = append(c.invalidated, userID)
	return nil
}

// mutexLocker is an in-process Locker.
type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) Lock(context.Context, int64) (func(), error) {
	l.mu.Lock()
	return l.mu.Unlock, nil
}

func TestServiceBalanceUsesCache(t *testing.T) {
	cache := &mapCache{balances: make(map[int64]domain.Balance)}
	f := newFixture(t, points.DefaultSettings(), points.WithBalanceCache(cache), points.WithLocker(&mutexLocker{}))
	u := f.user(t, 120, 30, start.Add(time.Hour))

	b, err := f.service.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.TotalPoints)
	assert.NotContains(t, cache.balances, u.ID, "reads do not fill the cache")

	_, err = f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)
	require.Contains(t, cache.balances, u.ID)
	assert.Equal(t, int64(50), cache.balances[u.ID].TotalPoints)

	// served from the cache even if the store changes behind its back
	cache.balances[u.ID] = domain.Balance{UserID: u.ID, TotalPoints: 7}
	b, err = f.service.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), b.TotalPoints)

	_, err = f.service.Balance(context.Background(), 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestServiceWithoutLockerOnlyInvalidates(t *testing.T) {
	cache := &mapCache{balances: make(map[int64]domain.Balance)}
	f := newFixture(t, points.DefaultSettings(), points.WithBalanceCache(cache))
	u := f.user(t, 120, 30, start.Add(time.Hour))
	cache.balances[u.ID] = domain.Balance{UserID: u.ID, TotalPoints: 150}

	_, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{u.ID}, cache.invalidated)
	assert.NotContains(t, cache.balances, u.ID)
}

// interleavedStore runs after once the first View returns, so a mutation
// can commit between a balance read and whatever the reader does next.
type interleavedStore struct {
	points.Store
	after func()
	fired atomic.Bool
}

func (s *interleavedStore) View(ctx context.Context, fn func(ctx context.Context, tx points.Tx) error) error {
	err := s.Store.View(ctx, fn)
	if s.after != nil && s.fired.CompareAndSwap(false, true) {
		s.after()
	}
	return err
}

func TestServiceBalanceReadCannotRestoreStaleEntry(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	u := f.user(t, 120, 30, start.Add(time.Hour))

	cache := &mapCache{balances: make(map[int64]domain.Balance)}
	store := &interleavedStore{Store: f.store}
	svc := points.NewService(store, points.DefaultSettings(), testLogger(),
		points.WithClock(f.clock), points.WithBalanceCache(cache), points.WithLocker(&mutexLocker{}))

	store.after = func() {
		_, err := svc.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: f.mug.ID})
		require.NoError(t, err)
	}

	// the read saw the pre-purchase balance
	b, err := svc.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.TotalPoints)

	require.Contains(t, cache.balances, u.ID)
	assert.Equal(t, int64(50), cache.balances[u.ID].TotalPoints)

	b, err = svc.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.TotalPoints)
}

func TestServiceAccrualPublishesBalance(t *testing.T) {
	cache := &mapCache{balances: make(map[int64]domain.Balance)}
	f := newFixture(t, points.DefaultSettings(), points.WithBalanceCache(cache), points.WithLocker(&mutexLocker{}))
	u := f.user(t, 180, 0, start)
	f.clock.Advance(180 * time.Minute)

	// the ceiling drop writes no ledger entry but still moves the clock
	res, err := f.service.Accrue(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, res.Granted())

	require.Contains(t, cache.balances, u.ID)
	assert.True(t, f.clock.Now().Add(180*time.Minute).Equal(cache.balances[u.ID].FreePointsEligibleAt))
}

func TestServiceProfile(t *testing.T) {
	f := newFixture(t, points.DefaultSettings())
	cheap := domain.Item{Name: "Sticker", Type: domain.ItemTypePurchaseItems, Points: 10, IsAvailable: true}
	hidden := domain.Item{Name: "Retired", Type: domain.ItemTypePurchaseItems, Points: 5, IsAvailable: false}
	require.NoError(t, f.store.CreateItem(context.Background(), &cheap))
	require.NoError(t, f.store.CreateItem(context.Background(), &hidden))

	u := f.user(t, 80, 40, start)
	f.clock.Advance(180 * time.Minute)

	_, err := f.service.Purchase(context.Background(), points.PurchaseRequest{UserID: u.ID, ItemID: cheap.ID})
	require.NoError(t, err)

	profile, err := f.service.Profile(context.Background(), u.ID)
	require.NoError(t, err)

	// 80 + 50 granted - 10 spent
	assert.Equal(t, int64(160), profile.Balance.TotalPoints)
	require.Len(t, profile.Transactions, 2)
	require.Len(t, profile.Purchases, 1)
	assert.Equal(t, cheap.ID, profile.Purchases[0].ItemID)

	var inventory []int64
	for _, item := range profile.Inventory {
		inventory = append(inventory, item.ID)
	}
	assert.ElementsMatch(t, []int64{f.mug.ID, cheap.ID}, inventory)

	_, err = f.service.Profile(context.Background(), 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
