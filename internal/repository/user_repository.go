package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
)

type userRepository struct {
	tx *sqlTx
}

// GetByID retrieves a user by id.
func (r *userRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	query := r.tx.dialect.Rebind(`
		SELECT id, name, email, free_points, purchased_points, free_points_eligible_at, is_active, created_at
		FROM users
		WHERE id = ?
	`)

	row := r.tx.q.QueryRowContext(ctx, query, id)

	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.FreePoints,
		&user.PurchasedPoints,
		&user.FreePointsEligibleAt,
		&user.IsActive,
		&user.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperrors.NotFoundError{Entity: "user", ID: id}
		}

		if r.tx.log != nil {
			r.tx.log.Error("failed to fetch user", slog.Int64("user_id", id), slog.Any("error", err))
		}
		return nil, classify(fmt.Errorf("select user by id: %w", err))
	}

	user.FreePointsEligibleAt = user.FreePointsEligibleAt.UTC()
	user.CreatedAt = user.CreatedAt.UTC()

	return &user, nil
}

// Save writes the balance columns of an existing user.
func (r *userRepository) Save(ctx context.Context, user *domain.User) error {
	if r.tx.readOnly {
		return apperrors.NewStoreError(errReadOnly)
	}

	query := r.tx.dialect.Rebind(`
		UPDATE users
		SET free_points = ?, purchased_points = ?, free_points_eligible_at = ?
		WHERE id = ?
	`)

	res, err := r.tx.q.ExecContext(
		ctx,
		query,
		user.FreePoints,
		user.PurchasedPoints,
		user.FreePointsEligibleAt.UTC(),
		user.ID,
	)
	if err != nil {
		if r.tx.log != nil {
			r.tx.log.Error("failed to save user", slog.Int64("user_id", user.ID), slog.Any("error", err))
		}
		return classify(fmt.Errorf("update user: %w", err))
	}

	if affected, err := res.RowsAffected(); err == nil && affected == 0 && r.tx.dialect.Name != MySQL.Name {
		// MySQL reports zero for rows whose values did not change.
		return &apperrors.NotFoundError{Entity: "user", ID: user.ID}
	}

	return nil
}
