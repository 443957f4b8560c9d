package points

import (
	"context"
	"time"

	"github.com/Proton-105/points-ledger/internal/domain"
)

// UserRepository reads and writes user balances.
// GetByID returns a NotFoundError for unknown users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	Save(ctx context.Context, user *domain.User) error
}

// ItemRepository is the read-only catalog.
type ItemRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Item, error)
	// GetByTypeAndPoints fails with ErrNotFound or ErrMultipleFound unless
	// exactly one item matches.
	GetByTypeAndPoints(ctx context.Context, itemType domain.ItemType, points int64) (*domain.Item, error)
	ListAvailable(ctx context.Context, maxPoints int64, types []domain.ItemType) ([]domain.Item, error)
	ListByIDs(ctx context.Context, ids []int64) ([]domain.Item, error)
}

// Ledger is the append-only transaction log.
type Ledger interface {
	Append(ctx context.Context, txn *domain.Transaction) (int64, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Transaction, error)
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Users() UserRepository
	Items() ItemRepository
	Ledger() Ledger
}

// Store runs units of work. Atomic serializes every call for the same
// userID and commits all writes made through tx, or none of them.
type Store interface {
	Atomic(ctx context.Context, userID int64, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// EligibleUserIDs lists users below the ceiling whose eligibility time is
	// at or before cutoff, ordered by id.
	EligibleUserIDs(ctx context.Context, ceiling int64, cutoff time.Time) ([]int64, error)
}

// Locker serializes work per user across processes.
type Locker interface {
	Lock(ctx context.Context, userID int64) (unlock func(), err error)
}

// BalanceCache caches the balance read model.
type BalanceCache interface {
	Get(ctx context.Context, userID int64) (*domain.Balance, error)
	Set(ctx context.Context, userID int64, balance *domain.Balance) error
	Invalidate(ctx context.Context, userID int64) error
}

// Deduplicator runs fn at most once per key and replays its transaction id.
type Deduplicator interface {
	Execute(ctx context.Context, key string, fn func(ctx context.Context) (int64, error)) (transactionID int64, replayed bool, err error)
}
