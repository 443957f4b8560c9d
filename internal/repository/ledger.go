package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
)

// ledger appends transactions. The schema rejects UPDATE and DELETE on the
// transactions table, so there is nothing else to offer here.
type ledger struct {
	tx *sqlTx
}

func (l *ledger) Append(ctx context.Context, txn *domain.Transaction) (int64, error) {
	if l.tx.readOnly {
		return 0, apperrors.NewStoreError(errReadOnly)
	}

	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.Quantity == 0 {
		txn.Quantity = 1
	}

	id, err := insertReturningID(ctx, l.tx.q, l.tx.dialect, `
		INSERT INTO transactions (user_id, item_id, status, free_points_used, purchased_points_used, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		txn.UserID,
		txn.ItemID,
		string(txn.Status),
		txn.FreePointsUsed,
		txn.PurchasedPointsUsed,
		txn.Quantity,
		txn.CreatedAt.UTC(),
	)
	if err != nil {
		if l.tx.log != nil {
			l.tx.log.Error("failed to append transaction",
				slog.Int64("user_id", txn.UserID),
				slog.Int64("item_id", txn.ItemID),
				slog.Any("error", err),
			)
		}
		return 0, fmt.Errorf("insert transaction: %w", err)
	}

	return id, nil
}

func (l *ledger) ListByUser(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	query := l.tx.dialect.Rebind(`
		SELECT id, user_id, item_id, status, free_points_used, purchased_points_used, quantity, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY id
	`)

	rows, err := l.tx.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("select transactions: %w", err))
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var (
			txn    domain.Transaction
			status string
		)
		if err := rows.Scan(
			&txn.ID,
			&txn.UserID,
			&txn.ItemID,
			&status,
			&txn.FreePointsUsed,
			&txn.PurchasedPointsUsed,
			&txn.Quantity,
			&txn.CreatedAt,
		); err != nil {
			return nil, classify(fmt.Errorf("scan transaction: %w", err))
		}

		txn.Status = domain.TransactionStatus(status)
		txn.CreatedAt = txn.CreatedAt.UTC()
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate transactions: %w", err))
	}

	return txns, nil
}
