package domain

import "errors"

var (
	// ErrInvalidAmount rejects non-positive amounts before any side effect.
	ErrInvalidAmount = errors.New("invalid_amount")

	// ErrInsufficientCredits means consumption exceeded the available balance
	// at write time. Not retried automatically.
	ErrInsufficientCredits = errors.New("insufficient_credits")

	// ErrConcurrencyExhausted means the optimistic-lock retries ran out under
	// contention. Retryable by the caller at a higher level.
	ErrConcurrencyExhausted = errors.New("concurrency_exhausted")

	// ErrDuplicateInFlight means an allocation with the same idempotency key
	// is still being processed; callers must not blindly retry with it.
	ErrDuplicateInFlight = errors.New("duplicate_in_flight")

	// ErrCreditRecordNotFound means a refund or consumption targeted a
	// nonexistent account. Accounts are never auto-created on those paths.
	ErrCreditRecordNotFound = errors.New("credit_record_not_found")

	// ErrReconciliationFailed is recorded in state, never propagated to an
	// interactive caller.
	ErrReconciliationFailed = errors.New("reconciliation_failed")

	// ErrExcessiveRefund means the refund would drive used credits negative,
	// indicating a double refund or an upstream logic error.
	ErrExcessiveRefund = errors.New("excessive_refund")

	ErrAccountInactive      = errors.New("account_inactive")
	ErrAccountExpired       = errors.New("account_expired")
	ErrReservationNotFound  = errors.New("reservation_not_found")
	ErrReservationNotActive = errors.New("reservation_not_active")
)
