package domain

import "time"

// User represents a ledger account and its two point balances.
type User struct {
	ID                   int64
	Name                 string
	Email                string
	FreePoints           int64
	PurchasedPoints      int64
	FreePointsEligibleAt time.Time
	IsActive             bool
	CreatedAt            time.Time
}

// TotalPoints is the spendable balance.
func (u User) TotalPoints() int64 {
	return u.FreePoints + u.PurchasedPoints
}

// Balance is the read model served to callers.
type Balance struct {
	UserID               int64     `json:"user_id"`
	FreePoints           int64     `json:"free_points"`
	PurchasedPoints      int64     `json:"purchased_points"`
	TotalPoints          int64     `json:"total_points"`
	FreePointsEligibleAt time.Time `json:"free_points_eligible_at"`
}

func (u User) Balance() Balance {
	return Balance{
		UserID:               u.ID,
		FreePoints:           u.FreePoints,
		PurchasedPoints:      u.PurchasedPoints,
		TotalPoints:          u.TotalPoints(),
		FreePointsEligibleAt: u.FreePointsEligibleAt,
	}
}

// Profile aggregates everything a user can see about their account.
// Inventory holds the items the user can afford right now; Purchases holds the
// successful transactions for purchasable item types.
type Profile struct {
	User         User
	Balance      Balance
	Inventory    []Item
	Purchases    []Transaction
	Transactions []Transaction
}
