package points

import (
	"context"

	"github.com/Proton-105/points-ledger/internal/domain"
	apperrors "github.com/Proton-105/points-ledger/internal/errors"
)

// PaymentAuthorizer approves the external payment behind a points bundle.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, user domain.User, item domain.Item) error
}

// ApproveAll is the default authorizer; it approves every payment.
type ApproveAll struct{}

func (ApproveAll) Authorize(context.Context, domain.User, domain.Item) error {
	return nil
}

// guardedAuthorizer routes authorizations through a circuit breaker so a
// failing payment provider is not hammered while it recovers.
type guardedAuthorizer struct {
	next    PaymentAuthorizer
	breaker *apperrors.CircuitBreaker
}

func newGuardedAuthorizer(next PaymentAuthorizer) *guardedAuthorizer {
	if next == nil {
		next = ApproveAll{}
	}
	return &guardedAuthorizer{next: next, breaker: apperrors.NewCircuitBreaker(apperrors.DefaultBreakerSettings())}
}

func (g *guardedAuthorizer) Authorize(ctx context.Context, user domain.User, item domain.Item) error {
	err := g.breaker.Call(func() error {
		return g.next.Authorize(ctx, user, item)
	})
	if err != nil {
		return apperrors.NewExternalAPIError("payment", err)
	}
	return nil
}
