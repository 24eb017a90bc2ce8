package store

import (
	"errors"
	"fmt"
)

var (
	// ErrMachineNotFound is returned when no machine exists for a code.
	ErrMachineNotFound = errors.New("machine not found")

	// ErrNoOpenSession is returned when an operation needs an open session
	// and the machine has none.
	ErrNoOpenSession = errors.New("no open session")

	// ErrSessionNotFound is returned for lookups of unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidAmount is returned for ledger credits of zero or less.
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrDuplicateCredit indicates a second credit for the same session.
	// This is a lifecycle bug upstream, never silently absorbed.
	ErrDuplicateCredit = errors.New("duplicate credit for session")
)

// MachineLockedError reports a failed lock attempt and who holds the machine.
type MachineLockedError struct {
	HeldBy string
}

func (e *MachineLockedError) Error() string {
	return fmt.Sprintf("machine locked by %s", e.HeldBy)
}
