package escrow

import (
	"errors"
	"fmt"
)

// Error categories. Callers match with errors.Is; every error returned by the
// core wraps exactly one of these.
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrUnauthorized    = errors.New("not authorized for this operation")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state for this operation")
	ErrPaymentMismatch = errors.New("payment amount mismatch")
)

// TransitionError reports an attempted transition that the state table does
// not allow. It unwraps to ErrInvalidState.
type TransitionError struct {
	Entity  string
	ID      string
	Current string
	Action  string
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: cannot %s from %s", e.Entity, e.ID, e.Action, e.Current)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// MismatchError reports a gateway amount that differs from what the
// transaction expects. It unwraps to ErrPaymentMismatch.
type MismatchError struct {
	TransactionID string
	ProviderRef   string
	Direction     Direction
	Expected      int64
	Got           int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s payment %s on transaction %s: expected %d, got %d",
		e.Direction, e.ProviderRef, e.TransactionID, e.Expected, e.Got)
}

func (e *MismatchError) Unwrap() error { return ErrPaymentMismatch }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func unauthorizedError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

func notFoundError(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}
