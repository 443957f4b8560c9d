package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/points"
)

var _ points.Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory. Atomic holds a per user
// lock and stages writes until fn returns without error.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[int64]domain.User
	items map[int64]domain.Item
	txns  []domain.Transaction

	locksMu sync.Mutex
	locks   map[int64]chan struct{}

	nextUserID atomic.Int64
	nextItemID atomic.Int64
	nextTxnID  atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]domain.User),
		items: make(map[int64]domain.Item),
		locks: make(map[int64]chan struct{}),
	}
}

// CreateUser inserts user and assigns its id when zero.
func (s *MemoryStore) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == 0 {
		user.ID = s.nextUserID.Add(1)
	} else if user.ID > s.nextUserID.Load() {
		s.nextUserID.Store(user.ID)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = *user
	return nil
}

// CreateItem inserts item and assigns its id when zero.
func (s *MemoryStore) CreateItem(_ context.Context, item *domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == 0 {
		item.ID = s.nextItemID.Add(1)
	} else if item.ID > s.nextItemID.Load() {
		s.nextItemID.Store(item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.items[item.ID] = *item
	return nil
}

func (s *MemoryStore) Atomic(ctx context.Context, userID int64, fn func(ctx context.Context, tx points.Tx) error) error {
	release, err := s.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	tx := &memoryTx{store: s, users: make(map[int64]domain.User)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, user := range tx.users {
		s.users[id] = user
	}
	s.txns = append(s.txns, tx.txns...)
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, tx points.Tx) error) error {
	return fn(ctx, &memoryTx{store: s, readOnly: true})
}

func (s *MemoryStore) EligibleUserIDs(_ context.Context, ceiling int64, cutoff time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, user := range s.users {
		if user.FreePoints < ceiling && !user.FreePointsEligibleAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) acquire(ctx context.Context, userID int64) (func(), error) {
	s.locksMu.Lock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[userID] = lock
	}
	s.locksMu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryTx struct {
	store    *MemoryStore
	users    map[int64]domain.User
	txns     []domain.Transaction
	readOnly bool
}

func (t *memoryTx) Users() points.UserRepository { return memoryUsers{t} }
func (t *memoryTx) Items() points.ItemRepository { return memoryItems{t} }
func (t *memoryTx) Ledger() points.Ledger        { return memoryLedger{t} }

type memoryUsers struct{ tx *memoryTx }

func (r memoryUsers) GetByID(_ context.Context, id int64) (*domain.User, error) {
	if user, ok := r.tx.users[id]; ok {
		return &user, nil
	}

	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	user, ok := r.tx.store.users[id]
	if !ok {
		return nil, &apperrors.NotFoundError{Entity: "user", ID: id}
	}
	return &user, nil
}

func (r memoryUsers) Save(_ context.Context, user *domain.User) error {
	if r.tx.readOnly {
		return apperrors.NewStoreError(errReadOnly)
	}

	r.tx.store.mu.RLock()
	_, ok := r.tx.store.users[user.ID]
	r.tx.store.mu.RUnlock()
	if !ok {
		return &apperrors.NotFoundError{Entity: "user", ID: user.ID}
	}

	r.tx.users[user.ID] = *user
	return nil
}

type memoryItems struct{ tx *memoryTx }

func (r memoryItems) GetByID(_ context.Context, id int64) (*domain.Item, error) {
	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	item, ok := r.tx.store.items[id]
	if !ok {
		return nil, &apperrors.NotFoundError{Entity: "item", ID: id}
	}
	return &item, nil
}

func (r memoryItems) GetByTypeAndPoints(_ context.Context, itemType domain.ItemType, pts int64) (*domain.Item, error) {
	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	var found []domain.Item
	for _, item := range r.tx.store.items {
		if item.Type == itemType && item.Points == pts {
			found = append(found, item)
		}
	}

	switch len(found) {
	case 0:
		return nil, apperrors.ErrNotFound
	case 1:
		return &found[0], nil
	default:
		return nil, apperrors.ErrMultipleFound
	}
}

func (r memoryItems) ListAvailable(_ context.Context, maxPoints int64, types []domain.ItemType) ([]domain.Item, error) {
	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	var items []domain.Item
	for _, item := range r.tx.store.items {
		if item.IsAvailable && item.Points <= maxPoints && slices.Contains(types, item.Type) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (r memoryItems) ListByIDs(_ context.Context, ids []int64) ([]domain.Item, error) {
	r.tx.store.mu.RLock()
	defer r.tx.store.mu.RUnlock()

	var items []domain.Item
	for _, id := range ids {
		if item, ok := r.tx.store.items[id]; ok {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

type memoryLedger struct{ tx *memoryTx }

func (l memoryLedger) Append(_ context.Context, txn *domain.Transaction) (int64, error) {
	if l.tx.readOnly {
		return 0, apperrors.NewStoreError(errReadOnly)
	}

	record := *txn
	record.ID = l.tx.store.nextTxnID.Add(1)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Quantity == 0 {
		record.Quantity = 1
	}
	l.tx.txns = append(l.tx.txns, record)
	return record.ID, nil
}

func (l memoryLedger) ListByUser(_ context.Context, userID int64) ([]domain.Transaction, error) {
	l.tx.store.mu.RLock()
	defer l.tx.store.mu.RUnlock()

	var txns []domain.Transaction
	for _, txn := range l.tx.store.txns {
		if txn.UserID == userID {
			txns = append(txns, txn)
		}
	}
	for _, txn := range l.tx.txns {
		if txn.UserID == userID {
			txns = append(txns, txn)
		}
	}
	return txns, nil
}
