package userlock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Proton-105/points-ledger/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockerLockAndRelease(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewRedisLocker(client, time.Second, 200*time.Millisecond, testLogger())

	unlock, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ledger:lock:user:7"))
	assert.Equal(t, time.Second, mr.TTL("ledger:lock:user:7"))

	unlock()
	assert.False(t, mr.Exists("ledger:lock:user:7"))
}

func TestRedisLockerTimesOutWhileHeld(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewRedisLocker(client, time.Second, 120*time.Millisecond, testLogger())

	unlock, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)
	defer unlock()

	_, err = locker.Lock(context.Background(), 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	assert.True(t, apperrors.IsRetryable(err))

	other, err := locker.Lock(context.Background(), 8)
	require.NoError(t, err)
	other()
}

func TestRedisLockerHonoursContext(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewRedisLocker(client, time.Second, time.Minute, testLogger())

	unlock, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(ctx, 7)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRedisLockerDoesNotReleaseForeignLease(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewRedisLocker(client, time.Second, 100*time.Millisecond, testLogger())

	unlock, err := locker.Lock(context.Background(), 7)
	require.NoError(t, err)

	// the lease expired and another holder took it
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("ledger:lock:user:7", "someone-else"))

	unlock()
	value, err := mr.Get("ledger:lock:user:7")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestRedisLockerSerialisesHolders(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewRedisLocker(client, time.Second, 2*time.Second, testLogger())

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		maxSeen atomic.Int32
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			unlock, err := locker.Lock(context.Background(), 1)
			if !assert.NoError(t, err) {
				return
			}

			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			holders.Add(-1)
			unlock()
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestRedisLockerWithoutClient(t *testing.T) {
	locker := NewRedisLocker(nil, 0, 0, testLogger())

	unlock, err := locker.Lock(context.Background(), 1)
	require.NoError(t, err)
	unlock()
}
