package ledger

import (
	"errors"
	"fmt"
)

// Error kinds returned by the ledger. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	// ErrValidation means the input was malformed: a bad account type,
	// a non-positive amount, a malformed email.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the user or account does not exist (or is closed).
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds means the debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict covers closing a funded account without admin rights and
	// registering an email twice.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized means the principal lacks rights on the target.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPersistence wraps any failure of the storage boundary.
	ErrPersistence = errors.New("persistence failure")

	// ErrSameAccount is the self-transfer case of ErrValidation.
	ErrSameAccount = fmt.Errorf("%w: source and destination are the same account", ErrValidation)
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// persistence wraps a storage error unless it already carries a ledger kind.
func persistence(op string, err error) error {
	if err == nil || isKind(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func isKind(err error) bool {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrInsufficientFunds, ErrConflict, ErrUnauthorized, ErrPersistence} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func isPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
