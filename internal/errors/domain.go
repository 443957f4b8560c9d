package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrMultipleFound      = errors.New("multiple found")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrCanNotBePurchased  = errors.New("item can not be purchased")
	ErrConfiguration      = errors.New("configuration error")
)

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type InsufficientPointsError struct {
	Required  int64
	Available int64
	Shortfall int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: required %d, available %d, short by %d", e.Required, e.Available, e.Shortfall)
}

func (e *InsufficientPointsError) Is(target error) bool {
	return target == ErrInsufficientPoints
}

type CanNotBePurchasedError struct {
	ItemID int64
	Type   string
}

func (e *CanNotBePurchasedError) Error() string {
	return fmt.Sprintf("item %d of type %q can not be purchased", e.ItemID, e.Type)
}

func (e *CanNotBePurchasedError) Is(target error) bool {
	return target == ErrCanNotBePurchased
}

type ConfigurationError struct {
	Reason string
	cause  error
}

func NewConfigurationError(reason string, cause error) *ConfigurationError {
	return &ConfigurationError{Reason: reason, cause: cause}
}

func (e *ConfigurationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.cause)
	}

	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.cause
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// IsDomain reports whether err is a business rule failure that must not be
// retried and should be shown to the caller as is.
func IsDomain(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrCanNotBePurchased) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrMultipleFound)
}

// UserMessage returns the text shown to end users for domain failures.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPoints):
		return "Insufficient Points"
	case errors.Is(err, ErrCanNotBePurchased):
		return "Selected Item Can Not Be Purchased"
	case errors.Is(err, ErrNotFound):
		return "Not found"
	default:
		return ""
	}
}
