package domain

import (
	"fmt"
	"time"
)

// ItemType is the closed set of catalog item kinds.
type ItemType string

const (
	ItemTypePurchasePoints ItemType = "PURCHASE_POINTS"
	ItemTypePurchaseItems  ItemType = "PURCHASE_ITEMS"
	ItemTypeFreePoints     ItemType = "FREE_POINTS"
)

// ItemTypes lists every known item type.
var ItemTypes = []ItemType{ItemTypePurchasePoints, ItemTypePurchaseItems, ItemTypeFreePoints}

// ParseItemType rejects anything outside ItemTypes.
func ParseItemType(s string) (ItemType, error) {
	for _, t := range ItemTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown item type %q", s)
}

func (t ItemType) String() string {
	return string(t)
}

// Item is a catalog entry. Points is the price in points for catalog items
// and the amount granted for points bundles and free grants.
type Item struct {
	ID          int64
	Name        string
	Price       string
	Type        ItemType
	Points      int64
	IsAvailable bool
	CreatedAt   time.Time
}
