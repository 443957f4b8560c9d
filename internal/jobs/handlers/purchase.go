package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/idempotency"
	"github.com/Proton-105/points-ledger/internal/jobs"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/internal/ratelimit"
)

// Purchaser is satisfied by *points.Service.
type Purchaser interface {
	Purchase(ctx context.Context, req points.PurchaseRequest) (*points.PurchaseResult, error)
}

type PurchaseHandler struct {
	purchases  Purchaser
	errHandler *apperrors.Handler
	limiter    ratelimit.Limiter
	rule       ratelimit.Rule
	log        *slog.Logger
}

func NewPurchaseHandler(purchases Purchaser, errHandler *apperrors.Handler, log *slog.Logger) *PurchaseHandler {
	if errHandler == nil {
		errHandler = apperrors.NewHandler(log, false)
	}
	return &PurchaseHandler{purchases: purchases, errHandler: errHandler, log: log}
}

// WithThrottle caps queued purchases per user. A throttled task is requeued
// once the limiter window resets and keeps its retry budget.
func (h *PurchaseHandler) WithThrottle(limiter ratelimit.Limiter, rule ratelimit.Rule) *PurchaseHandler {
	h.limiter = limiter
	h.rule = rule
	return h
}

// ProcessTask executes a queued purchase. Domain failures are final; only
// retryable failures go back to asynq.
func (h *PurchaseHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.PurchasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %w", apperrors.NewValidationError("purchase payload is not valid JSON: "+err.Error()), asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	ctx, log := taskContext(ctx, t, h.log)

	if err := ratelimit.Allow(ctx, h.limiter, fmt.Sprintf("purchase:user:%d", payload.UserID), h.rule); err != nil {
		if log != nil {
			log.WarnContext(ctx, "queued purchase throttled", slog.Int64("user_id", payload.UserID), slog.Any("error", err))
		}
		return err
	}

	result, err := h.purchases.Purchase(ctx, points.PurchaseRequest{
		UserID:         payload.UserID,
		ItemID:         payload.ItemID,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if errors.Is(err, idempotency.ErrRequestInProgress) {
		// the first delivery is still running; come back later
		return err
	}
	if err != nil {
		if _, retryable := h.errHandler.Handle(ctx, err); !retryable {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if log != nil {
		log.InfoContext(ctx, "queued purchase processed",
			slog.Int64("user_id", payload.UserID),
			slog.Int64("item_id", payload.ItemID),
			slog.Int64("transaction_id", result.TransactionID),
			slog.Bool("replayed", result.Replayed),
			slog.String("idempotency_key", payload.IdempotencyKey),
		)
	}

	return nil
}
