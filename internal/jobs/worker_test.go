package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/Proton-105/points-ledger/internal/ratelimit"
)

func TestTaskErrorHandlerMarksFinalFailures(t *testing.T) {
	var buf bytes.Buffer
	handle := taskErrorHandler(slog.New(slog.NewJSONHandler(&buf, nil)))
	task := asynq.NewTask(TaskTypePurchase, nil)

	handle(context.Background(), task, fmt.Errorf("insufficient points: %w", asynq.SkipRetry))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"final":true`)
	assert.Contains(t, buf.String(), `"task_type":"points:purchase"`)

	assert.NotPanics(t, func() {
		taskErrorHandler(nil)(context.Background(), task, errors.New("boom"))
	})
}

func TestThrottledTasksKeepTheirRetries(t *testing.T) {
	throttled := fmt.Errorf("queued purchase: %w", &ratelimit.LimitError{
		Key:     "purchase:user:1",
		ResetAt: time.Now().Add(30 * time.Second),
	})

	assert.False(t, isFailure(throttled))
	assert.False(t, isFailure(ratelimit.ErrLimitExceeded))
	assert.True(t, isFailure(errors.New("database is locked")))
	assert.True(t, isFailure(fmt.Errorf("bad payload: %w", asynq.SkipRetry)))

	var buf bytes.Buffer
	taskErrorHandler(slog.New(slog.NewJSONHandler(&buf, nil)))(context.Background(), asynq.NewTask(TaskTypePurchase, nil), throttled)
	assert.Contains(t, buf.String(), "task throttled")
	assert.NotContains(t, buf.String(), `"final"`)
}

func TestRetryDelayWaitsOutThrottle(t *testing.T) {
	task := asynq.NewTask(TaskTypePurchase, nil)

	soon := &ratelimit.LimitError{Key: "k", ResetAt: time.Now().Add(45 * time.Second)}
	delay := retryDelay(0, fmt.Errorf("wrapped: %w", soon), task)
	assert.InDelta(t, float64(45*time.Second), float64(delay), float64(time.Second))

	past := &ratelimit.LimitError{Key: "k", ResetAt: time.Now().Add(-time.Minute)}
	assert.Equal(t, minThrottleDelay, retryDelay(0, past, task))

	assert.Positive(t, retryDelay(1, errors.New("boom"), task))
}
