package points

import (
	"context"
	"fmt"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
)

// PurchaseEngine turns an item into balance changes and the transaction that
// accounts for them. It never touches storage.
type PurchaseEngine struct {
	settings Settings
	payments PaymentAuthorizer
}

func NewPurchaseEngine(settings Settings, payments PaymentAuthorizer) *PurchaseEngine {
	return &PurchaseEngine{
		settings: settings,
		payments: newGuardedAuthorizer(payments),
	}
}

// Purchase dispatches on the item type.
func (e *PurchaseEngine) Purchase(ctx context.Context, user domain.User, item domain.Item) (domain.User, domain.Transaction, error) {
	if !item.IsAvailable || !e.settings.CanBePurchased(item.Type) {
		return user, domain.Transaction{}, &apperrors.CanNotBePurchasedError{ItemID: item.ID, Type: string(item.Type)}
	}

	switch item.Type {
	case domain.ItemTypePurchaseItems:
		return e.PurchaseItem(user, item)
	case domain.ItemTypePurchasePoints:
		return e.PurchasePoints(ctx, user, item)
	case domain.ItemTypeFreePoints:
		return user, domain.Transaction{}, &apperrors.CanNotBePurchasedError{ItemID: item.ID, Type: string(item.Type)}
	default:
		return user, domain.Transaction{}, &apperrors.CanNotBePurchasedError{ItemID: item.ID, Type: string(item.Type)}
	}
}

// PurchaseItem spends free points first and covers the rest from purchased
// points.
func (e *PurchaseEngine) PurchaseItem(user domain.User, item domain.Item) (domain.User, domain.Transaction, error) {
	cost := item.Points
	total := user.TotalPoints()
	if cost > total {
		return user, domain.Transaction{}, &apperrors.InsufficientPointsError{
			Required:  cost,
			Available: total,
			Shortfall: cost - total,
		}
	}

	usedFree := min(user.FreePoints, cost)
	usedPurchased := cost - usedFree

	user.FreePoints -= usedFree
	user.PurchasedPoints -= usedPurchased

	return user, domain.Transaction{
		UserID:              user.ID,
		ItemID:              item.ID,
		Status:              e.settings.SuccessStatus,
		FreePointsUsed:      usedFree,
		PurchasedPointsUsed: usedPurchased,
		Quantity:            1,
	}, nil
}

// PurchasePoints credits a points bundle once the payment is authorized.
func (e *PurchaseEngine) PurchasePoints(ctx context.Context, user domain.User, item domain.Item) (domain.User, domain.Transaction, error) {
	if err := e.payments.Authorize(ctx, user, item); err != nil {
		return user, domain.Transaction{}, fmt.Errorf("authorize payment for item %d: %w", item.ID, err)
	}

	user.PurchasedPoints += item.Points

	return user, domain.Transaction{
		UserID:   user.ID,
		ItemID:   item.ID,
		Status:   e.settings.SuccessStatus,
		Quantity: 1,
	}, nil
}
