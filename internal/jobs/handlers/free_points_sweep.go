package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/jobs"
	"github.com/Proton-105/points-ledger/internal/points"
)

// SweepRunner is satisfied by *points.Sweeper.
type SweepRunner interface {
	Run(ctx context.Context) (points.SweepStats, error)
}

type FreePointsSweepHandler struct {
	sweeper SweepRunner
	log     *slog.Logger
}

func NewFreePointsSweepHandler(sweeper SweepRunner, log *slog.Logger) *FreePointsSweepHandler {
	return &FreePointsSweepHandler{sweeper: sweeper, log: log}
}

// ProcessTask runs one sweep. A disabled system is not an error; a
// misconfigured grant item is not retried.
func (h *FreePointsSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.FreePointsSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		if h.log != nil {
			h.log.ErrorContext(ctx, "free point sweep: failed to decode payload", slog.String("task_type", t.Type()), slog.String("error", err.Error()))
		}
		return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, log := taskContext(ctx, t, h.log)

	stats, err := h.sweeper.Run(ctx)
	switch {
	case errors.Is(err, points.ErrAccrualDisabled):
		if log != nil {
			log.InfoContext(ctx, "Free Point System is disabled!")
		}
		return nil
	case errors.Is(err, apperrors.ErrConfiguration):
		if log != nil {
			log.ErrorContext(ctx, "free point sweep: configuration error", slog.Any("error", err))
		}
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case err != nil:
		return err
	}

	if log != nil {
		log.InfoContext(ctx, stats.Summary(),
			slog.String("trigger", payload.Trigger),
			slog.Int("eligible", stats.Eligible),
			slog.Int("granted", stats.Granted),
			slog.Int("failed", stats.Failed),
		)
	}

	return nil
}
