package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/points"
)

var (
	_ points.Store = (*SQLStore)(nil)

	errReadOnly = errors.New("write attempted in a read-only unit of work")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements points.Store on database/sql for every Dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

// NewSQLStore creates a store over an open pool.
func NewSQLStore(db *sql.DB, dialect Dialect, log *slog.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		log:     log,
	}
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Atomic locks the user row and runs fn inside a single database
// transaction.
func (s *SQLStore) Atomic(ctx context.Context, userID int64, fn func(ctx context.Context, tx points.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && s.log != nil {
			s.log.Warn("failed to roll back transaction", slog.Int64("user_id", userID), slog.Any("error", rbErr))
		}
	}()

	if err := s.lockUser(ctx, tx, userID); err != nil {
		return err
	}

	if err := fn(ctx, &sqlTx{q: tx, dialect: s.dialect, log: s.log}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	committed = true

	return nil
}

func (s *SQLStore) View(ctx context.Context, fn func(ctx context.Context, tx points.Tx) error) error {
	return fn(ctx, &sqlTx{q: s.db, dialect: s.dialect, log: s.log, readOnly: true})
}

func (s *SQLStore) EligibleUserIDs(ctx context.Context, ceiling int64, cutoff time.Time) ([]int64, error) {
	query := s.dialect.Rebind(`
		SELECT id
		FROM users
		WHERE free_points < ? AND free_points_eligible_at <= ?
		ORDER BY id
	`)

	rows, err := s.db.QueryContext(ctx, query, ceiling, cutoff.UTC())
	if err != nil {
		if s.log != nil {
			s.log.Error("failed to list eligible users", slog.Any("error", err))
		}
		return nil, classify(fmt.Errorf("select eligible users: %w", err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(fmt.Errorf("scan eligible user: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate eligible users: %w", err))
	}

	return ids, nil
}

// CreateUser inserts a user. Used for seeding and tests.
func (s *SQLStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	id, err := s.insert(ctx, s.db, `
		INSERT INTO users (name, email, free_points, purchased_points, free_points_eligible_at, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		user.Name,
		user.Email,
		user.FreePoints,
		user.PurchasedPoints,
		user.FreePointsEligibleAt.UTC(),
		user.IsActive,
		user.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	user.ID = id
	return nil
}

// CreateItem inserts a catalog item. Used for seeding and tests.
func (s *SQLStore) CreateItem(ctx context.Context, item *domain.Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Price == "" {
		item.Price = "0"
	}

	id, err := s.insert(ctx, s.db, `
		INSERT INTO items (name, price, type, points, is_available, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		item.Name,
		item.Price,
		string(item.Type),
		item.Points,
		item.IsAvailable,
		item.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}

	item.ID = id
	return nil
}

func (s *SQLStore) lockUser(ctx context.Context, tx *sql.Tx, userID int64) error {
	query := s.dialect.Rebind("SELECT id FROM users WHERE id = ?" + s.dialect.ForUpdate)

	var id int64
	if err := tx.QueryRowContext(ctx, query, userID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &apperrors.NotFoundError{Entity: "user", ID: userID}
		}
		if s.log != nil {
			s.log.Error("failed to lock user", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return classify(fmt.Errorf("lock user: %w", err))
	}

	return nil
}

func (s *SQLStore) insert(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	return insertReturningID(ctx, q, s.dialect, query, args...)
}

func insertReturningID(ctx context.Context, q queryer, dialect Dialect, query string, args ...any) (int64, error) {
	if dialect.Returning {
		var id int64
		query = strings.TrimSpace(query) + " RETURNING id"
		if err := q.QueryRowContext(ctx, dialect.Rebind(query), args...).Scan(&id); err != nil {
			return 0, classify(err)
		}
		return id, nil
	}

	res, err := q.ExecContext(ctx, dialect.Rebind(query), args...)
	if err != nil {
		return 0, classify(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

type sqlTx struct {
	q        queryer
	dialect  Dialect
	log      *slog.Logger
	readOnly bool
}

func (t *sqlTx) Users() points.UserRepository { return &userRepository{tx: t} }
func (t *sqlTx) Items() points.ItemRepository { return &itemRepository{tx: t} }
func (t *sqlTx) Ledger() points.Ledger        { return &ledger{tx: t} }
