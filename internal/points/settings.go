package points

import (
	"fmt"
	"slices"
	"time"

	"github.com/Proton-105/points-ledger/internal/domain"
	"github.com/Proton-105/points-ledger/pkg/config"
)

// Settings is the immutable configuration of the free point system and the
// purchase rules. Build it once with SettingsFromConfig or DefaultSettings.
type Settings struct {
	EligibilityWindow time.Duration
	MaxFreePoints     int64
	FreeItemType      domain.ItemType
	FreeItemPoints    int64
	FreePointsEnabled bool
	SuccessStatus     domain.TransactionStatus

	purchasable []domain.ItemType
}

func DefaultSettings() Settings {
	return Settings{
		EligibilityWindow: 180 * time.Minute,
		MaxFreePoints:     200,
		FreeItemType:      domain.ItemTypeFreePoints,
		FreeItemPoints:    50,
		FreePointsEnabled: true,
		SuccessStatus:     domain.TransactionSuccess,
		purchasable:       []domain.ItemType{domain.ItemTypePurchasePoints, domain.ItemTypePurchaseItems},
	}
}

// SettingsFromConfig converts and validates the points section of the config.
func SettingsFromConfig(cfg config.PointsConfig) (Settings, error) {
	freeType, err := domain.ParseItemType(cfg.FreeItemType)
	if err != nil {
		return Settings{}, fmt.Errorf("free item type: %w", err)
	}

	status, err := domain.ParseTransactionStatus(cfg.SuccessStatus)
	if err != nil {
		return Settings{}, fmt.Errorf("success status: %w", err)
	}

	purchasable := make([]domain.ItemType, 0, len(cfg.Purchasable))
	for _, raw := range cfg.Purchasable {
		t, err := domain.ParseItemType(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("purchasable: %w", err)
		}
		purchasable = append(purchasable, t)
	}

	s := Settings{
		EligibilityWindow: time.Duration(cfg.EligibilityMinutes) * time.Minute,
		MaxFreePoints:     cfg.MaxFreePoints,
		FreeItemType:      freeType,
		FreeItemPoints:    cfg.FreeItemPoints,
		FreePointsEnabled: cfg.EnableFreePoints,
		SuccessStatus:     status,
		purchasable:       purchasable,
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// WithPurchasable returns a copy of s with the purchasable set replaced.
func (s Settings) WithPurchasable(types ...domain.ItemType) Settings {
	s.purchasable = slices.Clone(types)
	return s
}

// Purchasable returns a copy of the purchasable item types.
func (s Settings) Purchasable() []domain.ItemType {
	return slices.Clone(s.purchasable)
}

func (s Settings) CanBePurchased(t domain.ItemType) bool {
	return slices.Contains(s.purchasable, t)
}

func (s Settings) Validate() error {
	if s.EligibilityWindow <= 0 {
		return fmt.Errorf("eligibility window must be positive, got %s", s.EligibilityWindow)
	}
	if s.MaxFreePoints < 0 {
		return fmt.Errorf("max free points must not be negative, got %d", s.MaxFreePoints)
	}
	if s.FreeItemPoints <= 0 {
		return fmt.Errorf("free item points must be positive, got %d", s.FreeItemPoints)
	}
	return nil
}
