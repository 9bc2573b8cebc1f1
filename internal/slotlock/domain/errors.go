package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error is a business-rule violation with a stable, client-facing code.
// Expected conditions are returned as these values, never as panics or raw
// storage errors.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Is matches on code so wrapped instances compare equal to catalog values.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrInsufficientSlots = &Error{
		Code:    "ReserveSlotLock.InsufficientSlots",
		Message: "not enough remaining seats on the requested trip",
	}
	ErrMaxSimultaneousLocks = &Error{
		Code:    "ReserveSlotLock.MaxSimultaneousLocksExceeded",
		Message: "claimant already holds the maximum number of active locks",
	}
	ErrLockNotFound = &Error{
		Code:    "ReserveSlotLock.LockNotFound",
		Message: "no lock exists for the given token",
	}
	ErrLockAlreadyUsed = &Error{
		Code:    "ReserveSlotLock.LockAlreadyUsed",
		Message: "lock token was already finalized",
	}
	ErrInvalidOrExpiredLock = &Error{
		Code:    "ReserveSlotLock.InvalidOrExpiredLock",
		Message: "lock token is no longer honorable",
	}
	ErrLockReserveMismatch = &Error{
		Code:    "ReserveSlotLock.LockReserveMismatch",
		Message: "passenger items reference trips different from the lock",
	}
	ErrPaymentAmountMismatch = &Error{
		Code:    "ReserveSlotLock.PaymentAmountMismatch",
		Message: "claimed payment total does not match the priced total",
	}
	ErrConflictRetryExhausted = &Error{
		Code:    "ReserveSlotLock.ConflictRetryExhausted",
		Message: "operation kept conflicting with concurrent writers",
	}
	ErrDuplicateRequest = &Error{
		Code:    "ReserveSlotLock.DuplicateRequestInFlight",
		Message: "a request with the same idempotency key is already running",
	}
)

// LockExpired builds the expiry failure carrying the instant the lock
// stopped being honorable.
func LockExpired(expiredAt time.Time) *Error {
	return &Error{
		Code:    "ReserveSlotLock.LockExpired",
		Message: fmt.Sprintf("lock expired at %s", expiredAt.UTC().Format(time.RFC3339)),
	}
}

// ValidationError reports malformed input, checked before storage is touched.
func ValidationError(msg string) *Error {
	return &Error{Code: "ReserveSlotLock.ValidationFailed", Message: msg}
}

// ErrVersionConflict signals that a version-guarded update lost a race.
// Retryable inside the service; never surfaced to callers directly.
var ErrVersionConflict = errors.New("slot lock version conflict")
