package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
)

const itemColumns = "id, name, price, type, points, is_available, created_at"

type itemRepository struct {
	tx *sqlTx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var (
		item     domain.Item
		itemType string
	)
	if err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Price,
		&itemType,
		&item.Points,
		&item.IsAvailable,
		&item.CreatedAt,
	); err != nil {
		return domain.Item{}, err
	}

	t, err := domain.ParseItemType(itemType)
	if err != nil {
		return domain.Item{}, fmt.Errorf("item %d: %w", item.ID, err)
	}
	item.Type = t
	item.CreatedAt = item.CreatedAt.UTC()

	return item, nil
}

func (r *itemRepository) GetByID(ctx context.Context, id int64) (*domain.Item, error) {
	query := r.tx.dialect.Rebind("SELECT " + itemColumns + " FROM items WHERE id = ?")

	item, err := scanItem(r.tx.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperrors.NotFoundError{Entity: "item", ID: id}
		}

		if r.tx.log != nil {
			r.tx.log.Error("failed to fetch item", slog.Int64("item_id", id), slog.Any("error", err))
		}
		return nil, classify(fmt.Errorf("select item by id: %w", err))
	}

	return &item, nil
}

func (r *itemRepository) GetByTypeAndPoints(ctx context.Context, itemType domain.ItemType, points int64) (*domain.Item, error) {
	// Two rows are enough to tell a singleton from a duplicate.
	query := r.tx.dialect.Rebind("SELECT " + itemColumns + " FROM items WHERE type = ? AND points = ? ORDER BY id LIMIT 2")

	items, err := r.list(ctx, query, string(itemType), points)
	if err != nil {
		return nil, fmt.Errorf("select item by type and points: %w", err)
	}

	switch len(items) {
	case 0:
		return nil, apperrors.ErrNotFound
	case 1:
		return &items[0], nil
	default:
		return nil, apperrors.ErrMultipleFound
	}
}

func (r *itemRepository) ListAvailable(ctx context.Context, maxPoints int64, types []domain.ItemType) ([]domain.Item, error) {
	if len(types) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(types)+1)
	args = append(args, maxPoints)
	for _, t := range types {
		args = append(args, string(t))
	}

	query := r.tx.dialect.Rebind(
		"SELECT " + itemColumns + " FROM items WHERE is_available = TRUE AND points <= ? AND type IN (" +
			placeholders(len(types)) + ") ORDER BY id",
	)

	items, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select available items: %w", err)
	}
	return items, nil
}

func (r *itemRepository) ListByIDs(ctx context.Context, ids []int64) ([]domain.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	query := r.tx.dialect.Rebind("SELECT " + itemColumns + " FROM items WHERE id IN (" + placeholders(len(ids)) + ") ORDER BY id")

	items, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select items by id: %w", err)
	}
	return items, nil
}

func (r *itemRepository) list(ctx context.Context, query string, args ...any) ([]domain.Item, error) {
	rows, err := r.tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		if r.tx.log != nil {
			r.tx.log.Error("failed to query items", slog.Any("error", err))
		}
		return nil, classify(err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, classify(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return items, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
