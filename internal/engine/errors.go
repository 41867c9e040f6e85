package engine

import (
	"errors"
	"fmt"

	"notiflow/internal/escalation"
	"notiflow/internal/ledger"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid request")
)

// classify wraps lower-layer errors with the engine sentinels while keeping
// the original chain intact for errors.Is.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, escalation.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}
