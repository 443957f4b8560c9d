package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/jobs"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/internal/repository"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{name: "purchase", args: []string{"purchase", "-user", "7", "-item", "3", "-key", "order-1"}, want: command{Name: cmdPurchase, UserID: 7, ItemID: 3, Key: "order-1"}},
		{name: "purchase without key", args: []string{"purchase", "-user", "7", "-item", "3"}, want: command{Name: cmdPurchase, UserID: 7, ItemID: 3}},
		{name: "balance", args: []string{"balance", "-user", "7"}, want: command{Name: cmdBalance, UserID: 7}},
		{name: "profile", args: []string{"profile", "-user=9"}, want: command{Name: cmdProfile, UserID: 9}},
		{name: "accrue", args: []string{"accrue", "-user", "1"}, want: command{Name: cmdAccrue, UserID: 1}},
		{name: "no command", args: nil, wantErr: true},
		{name: "unknown command", args: []string{"refund", "-user", "1"}, wantErr: true},
		{name: "missing user", args: []string{"balance"}, wantErr: true},
		{name: "purchase without item", args: []string{"purchase", "-user", "7"}, wantErr: true},
		{name: "negative item", args: []string{"purchase", "-user", "7", "-item", "-3"}, wantErr: true},
		{name: "item on a read", args: []string{"balance", "-user", "7", "-item", "3"}, wantErr: true},
		{name: "stray argument", args: []string{"balance", "-user", "7", "extra"}, wantErr: true},
		{name: "bad number", args: []string{"balance", "-user", "seven"}, wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCommand(tc.args)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "usage:")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type recordingQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueCritical}, nil
}

func TestEnqueuePurchase(t *testing.T) {
	queue := &recordingQueue{}
	var out bytes.Buffer

	err := enqueuePurchase(context.Background(), queue, command{Name: cmdPurchase, UserID: 7, ItemID: 3, Key: "order-1"}, &out)
	require.NoError(t, err)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, jobs.TaskTypePurchase, queue.tasks[0].Type())

	var payload jobs.PurchasePayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	assert.Equal(t, jobs.PurchasePayload{UserID: 7, ItemID: 3, IdempotencyKey: "order-1"}, payload)
	assert.Contains(t, out.String(), "enqueued as task-1 on queue critical")

	queue.err = errors.New("redis down")
	err = enqueuePurchase(context.Background(), queue, command{Name: cmdPurchase, UserID: 7, ItemID: 3}, &out)
	assert.ErrorContains(t, err, "enqueue purchase: redis down")
}

func newLedger(t *testing.T, settings points.Settings) (*points.Service, domain.User) {
	t.Helper()

	ctx := context.Background()
	store := repository.NewMemoryStore()

	grant := domain.Item{Name: "Free Points", Type: domain.ItemTypeFreePoints, Points: 50}
	sticker := domain.Item{Name: "Sticker", Type: domain.ItemTypePurchaseItems, Points: 10, IsAvailable: true}
	require.NoError(t, store.CreateItem(ctx, &grant))
	require.NoError(t, store.CreateItem(ctx, &sticker))

	user := domain.User{Name: "ops", FreePoints: 30, PurchasedPoints: 10, FreePointsEligibleAt: start.Add(-3 * time.Hour), IsActive: true}
	require.NoError(t, store.CreateUser(ctx, &user))

	return points.NewService(store, settings, testLogger(), points.WithClock(fixedClock{now: start})), user
}

func TestExecute(t *testing.T) {
	svc, user := newLedger(t, points.DefaultSettings())
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, execute(ctx, svc, command{Name: cmdBalance, UserID: user.ID}, &out, testLogger()))
	assert.Contains(t, out.String(), "40 points (30 free, 10 purchased)")

	out.Reset()
	require.NoError(t, execute(ctx, svc, command{Name: cmdAccrue, UserID: user.ID}, &out, testLogger()))
	assert.Contains(t, out.String(), "granted 1 free point units")
	assert.Contains(t, out.String(), "90 points (80 free, 10 purchased)")
	assert.Contains(t, out.String(), start.Format(time.RFC3339))

	out.Reset()
	require.NoError(t, execute(ctx, svc, command{Name: cmdAccrue, UserID: user.ID}, &out, testLogger()))
	assert.Contains(t, out.String(), "no free points are due")

	out.Reset()
	require.NoError(t, execute(ctx, svc, command{Name: cmdProfile, UserID: user.ID}, &out, testLogger()))
	assert.Contains(t, out.String(), "inventory: 1 affordable items")
	assert.Contains(t, out.String(), "Sticker")
	assert.Contains(t, out.String(), "purchases: 0")
	assert.Contains(t, out.String(), "transactions: 1")

	err := execute(ctx, svc, command{Name: cmdBalance, UserID: 999}, &out, testLogger())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestExecuteAccrueDisabled(t *testing.T) {
	settings := points.DefaultSettings()
	settings.FreePointsEnabled = false
	svc, user := newLedger(t, settings)

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), svc, command{Name: cmdAccrue, UserID: user.ID}, &out, nil))
	assert.Equal(t, "Free Point System is disabled!\n", out.String())
}
