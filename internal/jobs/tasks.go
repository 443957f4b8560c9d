package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/idempotency"
)

const (
	TaskTypeFreePointsSweep = "points:sweep"
	TaskTypePurchase        = "points:purchase"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues is the weighted queue set served by the worker.
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

type FreePointsSweepPayload struct {
	Trigger string `json:"trigger"`
}

// PurchasePayload is a queued purchase. The idempotency key travels with the
// task so asynq retries never spend twice.
type PurchasePayload struct {
	UserID         int64  `json:"user_id"`
	ItemID         int64  `json:"item_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Validate rejects payloads that cannot name a purchase.
func (p PurchasePayload) Validate() error {
	if p.UserID <= 0 || p.ItemID <= 0 {
		return apperrors.NewValidationError("purchase task needs positive user and item ids")
	}
	return nil
}

// NewFreePointsSweepTask builds a sweep task. With unique > 0 asynq rejects
// a second sweep while one is still pending.
func NewFreePointsSweepTask(trigger string, unique time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(FreePointsSweepPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}

	opts := []asynq.Option{asynq.Queue(QueueLow), asynq.MaxRetry(3)}
	if unique > 0 {
		opts = append(opts, asynq.Unique(unique))
	}

	return asynq.NewTask(TaskTypeFreePointsSweep, payload, opts...), nil
}

// NewPurchaseTask builds a queued purchase. An empty key is replaced with a
// generated one.
func NewPurchaseTask(userID, itemID int64, key string) (*asynq.Task, error) {
	if err := (PurchasePayload{UserID: userID, ItemID: itemID}).Validate(); err != nil {
		return nil, err
	}

	if key == "" {
		key = idempotency.GenerateKey(userID, itemID, uuid.NewString())
	}

	payload, err := json.Marshal(PurchasePayload{UserID: userID, ItemID: itemID, IdempotencyKey: key})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypePurchase, payload, asynq.Queue(QueueCritical), asynq.MaxRetry(5)), nil
}
