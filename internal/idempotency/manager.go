// Package idempotency makes retried purchase requests replay the recorded
// transaction instead of spending twice.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultTTL     = 24 * time.Hour
	defaultLockTTL = 5 * time.Minute
	pollInterval   = 100 * time.Millisecond
)

var ErrRequestInProgress = errors.New("request with this key is already in progress")

// Operation performs the guarded work and returns the transaction id to record.
type Operation func(ctx context.Context) (int64, error)

// Manager records the transaction id produced for each key. Failed
// operations are not recorded, so the caller may retry them.
type Manager struct {
	store   Store
	ttl     time.Duration
	lockTTL time.Duration
	log     *slog.Logger
}

func NewManager(store Store, ttl time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		store:   store,
		ttl:     ttl,
		lockTTL: defaultLockTTL,
		log:     log,
	}
}

// Execute runs fn once per key. A replay returns the recorded id and true.
func (m *Manager) Execute(ctx context.Context, key string, fn func(ctx context.Context) (int64, error)) (int64, bool, error) {
	if fn == nil {
		return 0, false, errors.New("operation fn cannot be nil")
	}

	for {
		record, err := m.store.Get(ctx, key)
		if err != nil {
			return 0, false, err
		}
		if record != nil && record.Status == StatusCompleted {
			return record.TransactionID, true, nil
		}

		locked, err := m.store.Lock(ctx, key, m.lockTTL)
		if err != nil {
			return 0, false, err
		}

		if locked {
			return m.run(ctx, key, fn)
		}

		if record != nil && record.Status == StatusProcessing {
			return 0, false, ErrRequestInProgress
		}

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *Manager) run(ctx context.Context, key string, fn Operation) (int64, bool, error) {
	defer func() {
		if err := m.store.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
			m.log.Warn("idempotency lock not released", slog.String("key", key), slog.Any("error", err))
		}
	}()

	// another holder may have finished between our read and the lock
	record, err := m.store.Get(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if record != nil && record.Status == StatusCompleted {
		return record.TransactionID, true, nil
	}

	if err := m.store.Set(ctx, key, &Record{Status: StatusProcessing}, m.lockTTL); err != nil {
		return 0, false, err
	}

	id, err := fn(ctx)
	if err != nil {
		return 0, false, err
	}

	if err := m.store.Set(ctx, key, &Record{Status: StatusCompleted, TransactionID: id}, m.ttl); err != nil {
		// fn already committed, so its result stands
		m.log.Error("idempotency record not stored", slog.String("key", key), slog.Int64("transaction_id", id), slog.Any("error", err))
	}

	return id, false, nil
}
