package points

import (
	"time"

	"github.com/Proton-105/points-ledger/internal/domain"
)

// AccrualEngine grants free points for every full eligibility window that
// elapsed since the user's eligibility time, bounded by the ceiling. The
// eligibility time anchors the current window: a grant is due once a whole
// window has passed since it.
type AccrualEngine struct {
	settings Settings
}

func NewAccrualEngine(settings Settings) *AccrualEngine {
	return &AccrualEngine{settings: settings}
}

// Accrue returns the updated user and the grant transaction, or a nil
// transaction when no whole unit was awarded. The input user is not modified.
func (e *AccrualEngine) Accrue(user domain.User, grant domain.Item, now time.Time) (domain.User, *domain.Transaction) {
	ceiling := e.settings.MaxFreePoints
	window := e.settings.EligibilityWindow

	if user.FreePoints >= ceiling || window <= 0 || grant.Points <= 0 {
		return user, nil
	}

	elapsed := now.Sub(user.FreePointsEligibleAt)
	if elapsed < 0 {
		elapsed = 0
	}

	units := int64(elapsed / window)
	if units == 0 {
		return user, nil
	}

	if user.FreePoints+units*grant.Points > ceiling {
		// Partial progress is dropped when the ceiling is hit, and nothing is
		// credited when the headroom is below one grant.
		units = (ceiling - user.FreePoints) / grant.Points
		if units > 0 {
			user.FreePoints = ceiling
		}
		user.FreePointsEligibleAt = now.Add(window)
	} else {
		// the clock advances by whole windows from the old anchor, so the
		// remainder counts towards the next grant
		user.FreePoints += units * grant.Points
		user.FreePointsEligibleAt = user.FreePointsEligibleAt.Add(time.Duration(units) * window)
	}

	if units == 0 {
		return user, nil
	}

	return user, &domain.Transaction{
		UserID:   user.ID,
		ItemID:   grant.ID,
		Status:   e.settings.SuccessStatus,
		Quantity: units,
	}
}

// Eligible reports whether Accrue could grant anything at now.
func (e *AccrualEngine) Eligible(user domain.User, now time.Time) bool {
	return user.FreePoints < e.settings.MaxFreePoints && !now.Before(user.FreePointsEligibleAt.Add(e.settings.EligibilityWindow))
}
