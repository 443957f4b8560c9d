package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/pkg/metrics"
)

// ErrAccrualDisabled is returned by accrual entry points when the free point
// system is switched off.
var ErrAccrualDisabled = errors.New("free point system is disabled")

type PurchaseRequest struct {
	UserID         int64
	ItemID         int64
	IdempotencyKey string
}

// PurchaseResult describes a committed purchase. A replayed result only
// carries the transaction id recorded by the first call.
type PurchaseResult struct {
	TransactionID        int64
	AccrualTransactionID int64
	Balance              domain.Balance
	Replayed             bool
}

type AccrualResult struct {
	TransactionID int64
	Quantity      int64
	Balance       domain.Balance
}

// Granted reports whether the accrual wrote a ledger entry.
func (r AccrualResult) Granted() bool {
	return r.Quantity > 0
}

// Service is the entry point for balance mutations and balance reads.
type Service struct {
	store     Store
	settings  Settings
	clock     Clock
	accrual   *AccrualEngine
	purchases *PurchaseEngine
	payments  PaymentAuthorizer
	locker    Locker
	cache     BalanceCache
	dedup     Deduplicator
	log       *slog.Logger
}

type Option func(*Service)

func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithPaymentAuthorizer(payments PaymentAuthorizer) Option {
	return func(s *Service) {
		s.payments = payments
	}
}

func WithLocker(locker Locker) Option {
	return func(s *Service) {
		s.locker = locker
	}
}

func WithBalanceCache(cache BalanceCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithDeduplicator(dedup Deduplicator) Option {
	return func(s *Service) {
		s.dedup = dedup
	}
}

// NewService wires the engines around store. settings is copied and never
// changes for the lifetime of the service.
func NewService(store Store, settings Settings, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		settings: settings.WithPurchasable(settings.purchasable...),
		clock:    SystemClock{},
		payments: ApproveAll{},
		log:      log,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.accrual = NewAccrualEngine(s.settings)
	s.purchases = NewPurchaseEngine(s.settings, s.payments)

	return s
}

func (s *Service) Settings() Settings {
	return s.settings
}

// Purchase accrues due free points and then buys the item, all in one unit
// of work. Domain errors roll back the accrual as well.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if req.IdempotencyKey == "" || s.dedup == nil {
		return s.purchase(ctx, req)
	}

	var result *PurchaseResult
	txID, replayed, err := s.dedup.Execute(ctx, idempotencyKey(req), func(ctx context.Context) (int64, error) {
		r, err := s.purchase(ctx, req)
		if err != nil {
			return 0, err
		}
		result = r
		return r.TransactionID, nil
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		if s.log != nil {
			s.log.Info("purchase replayed", slog.Int64("user_id", req.UserID), slog.Int64("transaction_id", txID))
		}
		return &PurchaseResult{TransactionID: txID, Replayed: true}, nil
	}

	return result, nil
}

func (s *Service) purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	start := time.Now()
	kind := "unknown"

	unlock, err := s.lock(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result   PurchaseResult
		spent    domain.Transaction
		accrued  *domain.Transaction
		grantPts int64
	)

	err = apperrors.WithRetry(ctx, func() error {
		result, spent, accrued, grantPts = PurchaseResult{}, domain.Transaction{}, nil, 0

		return s.store.Atomic(ctx, req.UserID, func(ctx context.Context, tx Tx) error {
			now := s.clock.Now()

			user, err := tx.Users().GetByID(ctx, req.UserID)
			if err != nil {
				return err
			}

			if s.settings.FreePointsEnabled {
				grant, err := s.resolveGrant(ctx, tx)
				if err != nil {
					return err
				}
				if grant != nil {
					updated, txn := s.accrual.Accrue(*user, *grant, now)
					if txn != nil {
						txn.CreatedAt = now
						id, err := tx.Ledger().Append(ctx, txn)
						if err != nil {
							return err
						}
						txn.ID = id
						result.AccrualTransactionID = id
						accrued = txn
						grantPts = updated.FreePoints - user.FreePoints
					}
					*user = updated
				}
			}

			item, err := tx.Items().GetByID(ctx, req.ItemID)
			if err != nil {
				return err
			}
			kind = string(item.Type)

			updated, txn, err := s.purchases.Purchase(ctx, *user, *item)
			if err != nil {
				return err
			}

			if err := tx.Users().Save(ctx, &updated); err != nil {
				return err
			}

			txn.CreatedAt = now
			id, err := tx.Ledger().Append(ctx, &txn)
			if err != nil {
				return err
			}
			txn.ID = id

			result.TransactionID = id
			result.Balance = updated.Balance()
			spent = txn
			return nil
		})
	})

	if err != nil {
		metrics.RecordPurchase(kind, purchaseOutcome(err), time.Since(start))
		if s.log != nil {
			level := slog.LevelError
			if apperrors.IsDomain(err) {
				level = slog.LevelInfo
			}
			s.log.Log(ctx, level, "purchase failed",
				slog.Int64("user_id", req.UserID),
				slog.Int64("item_id", req.ItemID),
				slog.Any("error", err),
			)
		}
		return nil, err
	}

	metrics.RecordPurchase(kind, "success", time.Since(start))
	metrics.RecordPointsSpent(spent.FreePointsUsed, spent.PurchasedPointsUsed)
	if accrued != nil {
		metrics.RecordFreeGrant(accrued.Quantity, grantPts)
	}
	s.publishBalance(ctx, req.UserID, result.Balance)

	if s.log != nil {
		s.log.Info("purchase committed",
			slog.Int64("user_id", req.UserID),
			slog.Int64("item_id", req.ItemID),
			slog.Int64("transaction_id", result.TransactionID),
			slog.Int64("free_used", spent.FreePointsUsed),
			slog.Int64("purchased_used", spent.PurchasedPointsUsed),
		)
	}

	return &result, nil
}

// Accrue grants the free points due to one user. A missing or ambiguous free
// grant item is returned as a ConfigurationError.
func (s *Service) Accrue(ctx context.Context, userID int64) (*AccrualResult, error) {
	if !s.settings.FreePointsEnabled {
		return nil, ErrAccrualDisabled
	}

	grant, err := s.FreeGrantItem(ctx)
	if err != nil {
		return nil, err
	}

	return s.accrueUser(ctx, userID, *grant)
}

// FreeGrantItem loads the single catalog item used for free grants.
func (s *Service) FreeGrantItem(ctx context.Context) (*domain.Item, error) {
	var grant *domain.Item
	err := apperrors.WithRetry(ctx, func() error {
		return s.store.View(ctx, func(ctx context.Context, tx Tx) error {
			item, err := tx.Items().GetByTypeAndPoints(ctx, s.settings.FreeItemType, s.settings.FreeItemPoints)
			if err != nil {
				return grantLookupError(s.settings, err)
			}
			grant = item
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return grant, nil
}

func (s *Service) accrueUser(ctx context.Context, userID int64, grant domain.Item) (*AccrualResult, error) {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result   AccrualResult
		grantPts int64
		changed  bool
	)

	err = apperrors.WithRetry(ctx, func() error {
		result, grantPts, changed = AccrualResult{}, 0, false

		return s.store.Atomic(ctx, userID, func(ctx context.Context, tx Tx) error {
			now := s.clock.Now()

			user, err := tx.Users().GetByID(ctx, userID)
			if err != nil {
				return err
			}

			updated, txn := s.accrual.Accrue(*user, grant, now)
			result.Balance = updated.Balance()
			if updated == *user {
				return nil
			}

			if err := tx.Users().Save(ctx, &updated); err != nil {
				return err
			}
			changed = true

			if txn == nil {
				return nil
			}

			txn.CreatedAt = now
			id, err := tx.Ledger().Append(ctx, txn)
			if err != nil {
				return err
			}

			result.TransactionID = id
			result.Quantity = txn.Quantity
			grantPts = updated.FreePoints - user.FreePoints
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publishBalance(ctx, userID, result.Balance)
	}

	if result.Granted() {
		metrics.RecordFreeGrant(result.Quantity, grantPts)

		if s.log != nil {
			s.log.Debug("free points granted",
				slog.Int64("user_id", userID),
				slog.Int64("quantity", result.Quantity),
				slog.Int64("transaction_id", result.TransactionID),
			)
		}
	}

	return &result, nil
}

// Balance returns the current balance, served from the cache when possible.
// Reads never fill the cache: only committed mutations do, so a read racing
// a purchase cannot put back the balance the purchase replaced.
func (s *Service) Balance(ctx context.Context, userID int64) (*domain.Balance, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, userID)
		if err != nil && s.log != nil {
			s.log.Warn("balance cache read failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		if cached != nil {
			return cached, nil
		}
	}

	var balance domain.Balance
	err := apperrors.WithRetry(ctx, func() error {
		return s.store.View(ctx, func(ctx context.Context, tx Tx) error {
			user, err := tx.Users().GetByID(ctx, userID)
			if err != nil {
				return err
			}
			balance = user.Balance()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &balance, nil
}

// Profile assembles the user, the items they can afford, their purchases and
// their full transaction history.
func (s *Service) Profile(ctx context.Context, userID int64) (*domain.Profile, error) {
	var profile domain.Profile

	err := apperrors.WithRetry(ctx, func() error {
		profile = domain.Profile{}

		return s.store.View(ctx, func(ctx context.Context, tx Tx) error {
			user, err := tx.Users().GetByID(ctx, userID)
			if err != nil {
				return err
			}
			profile.User = *user
			profile.Balance = user.Balance()

			inventory, err := tx.Items().ListAvailable(ctx, user.TotalPoints(), s.settings.Purchasable())
			if err != nil {
				return err
			}
			profile.Inventory = inventory

			txns, err := tx.Ledger().ListByUser(ctx, userID)
			if err != nil {
				return err
			}
			profile.Transactions = txns

			purchases, err := s.purchasesOf(ctx, tx, txns)
			if err != nil {
				return err
			}
			profile.Purchases = purchases
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &profile, nil
}

// CountEligible reports how many users are due a free point grant now.
func (s *Service) CountEligible(ctx context.Context) (int, error) {
	ids, err := s.eligibleUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Service) eligibleUserIDs(ctx context.Context) ([]int64, error) {
	cutoff := s.clock.Now().Add(-s.settings.EligibilityWindow)

	var ids []int64
	err := apperrors.WithRetry(ctx, func() error {
		var err error
		ids, err = s.store.EligibleUserIDs(ctx, s.settings.MaxFreePoints, cutoff)
		return err
	})
	return ids, err
}

func (s *Service) purchasesOf(ctx context.Context, tx Tx, txns []domain.Transaction) ([]domain.Transaction, error) {
	ids := make([]int64, 0, len(txns))
	for _, txn := range txns {
		if txn.Status == s.settings.SuccessStatus && !slices.Contains(ids, txn.ItemID) {
			ids = append(ids, txn.ItemID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := tx.Items().ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	purchasable := make(map[int64]bool, len(items))
	for _, item := range items {
		purchasable[item.ID] = s.settings.CanBePurchased(item.Type)
	}

	var purchases []domain.Transaction
	for _, txn := range txns {
		if txn.Status == s.settings.SuccessStatus && purchasable[txn.ItemID] {
			purchases = append(purchases, txn)
		}
	}
	return purchases, nil
}

// resolveGrant returns nil when the free grant item is misconfigured, so the
// purchase continues on the pre-accrual balance.
func (s *Service) resolveGrant(ctx context.Context, tx Tx) (*domain.Item, error) {
	grant, err := tx.Items().GetByTypeAndPoints(ctx, s.settings.FreeItemType, s.settings.FreeItemPoints)
	if err == nil {
		return grant, nil
	}

	lookupErr := grantLookupError(s.settings, err)
	if !errors.Is(lookupErr, apperrors.ErrConfiguration) {
		return nil, lookupErr
	}

	metrics.RecordError("configuration", string(apperrors.SeverityMedium))
	if s.log != nil {
		s.log.Warn("skipping free point accrual", slog.Any("error", lookupErr))
	}
	return nil, nil
}

func (s *Service) lock(ctx context.Context, userID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock user %d: %w", userID, err)
	}
	return unlock, nil
}

// publishBalance caches a committed balance. It runs before the user lock is
// released, so writes for one user land in commit order. Without a locker
// the order is not guaranteed and the entry is only dropped.
func (s *Service) publishBalance(ctx context.Context, userID int64, balance domain.Balance) {
	if s.cache == nil {
		return
	}

	if s.locker != nil {
		err := s.cache.Set(ctx, userID, &balance)
		if err == nil {
			return
		}
		if s.log != nil {
			s.log.Warn("balance cache write failed", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}

	s.invalidate(ctx, userID)
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}

	if err := s.cache.Invalidate(ctx, userID); err != nil && s.log != nil {
		s.log.Warn("balance cache invalidation failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func grantLookupError(settings Settings, err error) error {
	if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrMultipleFound) {
		return apperrors.NewConfigurationError(
			fmt.Sprintf("exactly one item of type %s with %d points must exist", settings.FreeItemType, settings.FreeItemPoints),
			err,
		)
	}
	return err
}

func purchaseOutcome(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, apperrors.ErrCanNotBePurchased):
		return "not_purchasable"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func idempotencyKey(req PurchaseRequest) string {
	return "purchase:" + strconv.FormatInt(req.UserID, 10) + ":" + req.IdempotencyKey
}
