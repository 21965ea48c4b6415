package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")

	// Validation errors, returned before any state is touched.
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidLeverage     = errors.New("invalid leverage")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrInsufficientMargin  = errors.New("insufficient margin")

	// State errors.
	ErrMarketResolved        = errors.New("market resolved")
	ErrPositionNotFound      = errors.New("position not found")
	ErrPositionAlreadyClosed = errors.New("position already closed")

	// ErrEngineBusy is returned when a per-entity lock could not be acquired
	// within the configured wait. Callers may retry; no state has changed.
	ErrEngineBusy = errors.New("engine busy")

	// ErrLedgerFault signals that a balance mutation could not be paired with
	// its transaction record. The mutation is rolled back and the engine must
	// surface this as a fault, never swallow it.
	ErrLedgerFault = errors.New("ledger audit fault")
)
