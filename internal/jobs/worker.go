package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Proton-105/points-ledger/internal/ratelimit"
	"github.com/Proton-105/points-ledger/pkg/metrics"
)

const (
	defaultConcurrency     = 4
	workerShutdownTimeout  = 20 * time.Second
	workerSeverityFinal    = "high"
	workerSeverityRetrying = "low"
	minThrottleDelay       = time.Second
)

// Worker provides APIs to register handlers and control the background worker lifecycle.
type Worker interface {
	RegisterHandler(taskType string, handler asynq.Handler)
	Start() error
	Shutdown()
}

type worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *slog.Logger
}

var _ Worker = (*worker)(nil)

// NewWorker constructs a Worker serving the weighted ledger queues.
func NewWorker(redisOpt asynq.RedisConnOpt, concurrency int, log *slog.Logger) Worker {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Queues:          Queues,
		Concurrency:     concurrency,
		RetryDelayFunc:  retryDelay,
		IsFailure:       isFailure,
		ShutdownTimeout: workerShutdownTimeout,
		ErrorHandler:    asynq.ErrorHandlerFunc(taskErrorHandler(log)),
	})

	return &worker{
		server: server,
		mux:    asynq.NewServeMux(),
		log:    log,
	}
}

// isFailure reports whether err should count against the task's retries.
// A throttled task is requeued without spending a retry.
func isFailure(err error) bool {
	return !errors.Is(err, ratelimit.ErrLimitExceeded)
}

// retryDelay waits out the limiter window for throttled tasks and falls back
// to asynq's exponential backoff otherwise.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		return max(limitErr.RetryAfter(time.Now()), minThrottleDelay)
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// taskErrorHandler logs a failed attempt and counts it, telling apart
// attempts asynq will retry from final failures.
func taskErrorHandler(log *slog.Logger) func(ctx context.Context, task *asynq.Task, err error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		if !isFailure(err) {
			if log != nil {
				log.InfoContext(ctx, "jobs worker: task throttled", slog.String("task_type", task.Type()), slog.Any("error", err))
			}
			return
		}

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		final := errors.Is(err, asynq.SkipRetry) || retried >= maxRetry

		severity := workerSeverityRetrying
		if final {
			severity = workerSeverityFinal
		}
		metrics.RecordError("task:"+task.Type(), severity)

		if log == nil {
			return
		}
		level := slog.LevelWarn
		if final {
			level = slog.LevelError
		}
		log.Log(ctx, level, "jobs worker: task failed",
			slog.String("task_type", task.Type()),
			slog.Int("retried", retried),
			slog.Int("max_retry", maxRetry),
			slog.Bool("final", final),
			slog.Any("error", err),
		)
	}
}

// RegisterHandler wires a task type to the provided handler.
func (w *worker) RegisterHandler(taskType string, handler asynq.Handler) {
	w.mux.Handle(taskType, handler)
}

// Start launches the processing loop and returns. Signal handling is left
// to the caller, which stops the worker through Shutdown.
func (w *worker) Start() error {
	if w.log != nil {
		w.log.Info("jobs worker: starting processing loop")
	}

	return w.server.Start(w.mux)
}

// Shutdown waits for in-flight tasks up to the shutdown timeout.
func (w *worker) Shutdown() {
	if w.log != nil {
		w.log.Info("jobs worker: shutting down")
	}

	w.server.Shutdown()
}
