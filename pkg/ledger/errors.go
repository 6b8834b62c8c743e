package ledger

import "errors"

var (
	ErrInvalidSchedule     = errors.New("invalid loan schedule")
	ErrMissingOwner        = errors.New("loan owner is required")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrCurrencyMismatch    = errors.New("repayment currency does not match loan currency")
	ErrOverpayment         = errors.New("repayment exceeds loan outstanding amount")
	// ErrConcurrencyConflict means another repayment changed the loan first.
	// The caller should reload and retry.
	ErrConcurrencyConflict = errors.New("concurrent repayment on loan")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrInvariantViolation  = errors.New("loan invariant violated")
)
