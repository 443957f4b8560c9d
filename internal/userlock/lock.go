// Package userlock serialises balance mutations for one user across
// processes with a Redis lease.
package userlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/points"
)

const (
	userLockKeyPattern = "ledger:lock:user:%d"

	DefaultTTL   = 10 * time.Second
	DefaultWait  = 5 * time.Second
	pollInterval = 50 * time.Millisecond
)

// ErrLocked is the cause wrapped in the lock error when the wait runs out.
var ErrLocked = errors.New("user is locked, try again later")

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never releases someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ points.Locker = (*RedisLocker)(nil)

type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder can
// block the user; wait bounds how long Lock polls before giving up.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration, log *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if wait <= 0 {
		wait = DefaultWait
	}

	return &RedisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		log:    log,
	}
}

// Lock blocks until the user's lease is acquired, the wait elapses or ctx is
// done. The returned func releases the lease.
func (l *RedisLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	if l.client == nil {
		if l.log != nil {
			l.log.Warn("redis client not configured for user locks; skipping", slog.Int64("user_id", userID))
		}
		return func() {}, nil
	}

	key := fmt.Sprintf(userLockKeyPattern, userID)
	token := uuid.NewString()

	deadline := time.NewTimer(l.wait)
	defer deadline.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if l.log != nil {
				l.log.Error("failed to acquire user lock", slog.Int64("user_id", userID), slog.Any("error", err))
			}
			return nil, apperrors.NewLockError(userID, err)
		}

		if acquired {
			return func() { l.release(key, token, userID) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if l.log != nil {
				l.log.Warn("user lock already held", slog.Int64("user_id", userID))
			}
			return nil, apperrors.NewLockError(userID, ErrLocked)
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(key, token string, userID int64) {
	// the caller's ctx may already be cancelled; the lease must still go
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && l.log != nil {
		l.log.Error("failed to release user lock", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
