package handlers

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/Proton-105/points-ledger/pkg/logger"
)

// taskContext tags ctx and the logger with a correlation id. The asynq task
// id is reused so retries of one task share it.
func taskContext(ctx context.Context, t *asynq.Task, log *slog.Logger) (context.Context, *slog.Logger) {
	id, ok := asynq.GetTaskID(ctx)
	if !ok || id == "" {
		id = uuid.NewString()
	}

	ctx = logger.WithCorrelationID(ctx, id)
	if log == nil {
		return ctx, nil
	}

	return ctx, log.With(
		slog.String("correlation_id", id),
		slog.String("task_type", t.Type()),
	)
}
