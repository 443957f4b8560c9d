package domain

import (
	"fmt"
	"time"
)

type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "SUCCESS"
	TransactionFailure TransactionStatus = "FAILURE"
)

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch TransactionStatus(s) {
	case TransactionSuccess, TransactionFailure:
		return TransactionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown transaction status %q", s)
	}
}

// Transaction is an immutable ledger record. Quantity is above one only for
// batched free point grants.
type Transaction struct {
	ID                  int64
	UserID              int64
	ItemID              int64
	Status              TransactionStatus
	FreePointsUsed      int64
	PurchasedPointsUsed int64
	Quantity            int64
	CreatedAt           time.Time
}

// PointsUsed is the total cost debited by the transaction.
func (t Transaction) PointsUsed() int64 {
	return t.FreePointsUsed + t.PurchasedPointsUsed
}
