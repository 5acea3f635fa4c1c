package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrIdentityMismatch   = errors.New("details do not match our records")
	ErrAccountBlocked     = errors.New("account is blocked")
	ErrDailyLimitExceeded = errors.New("daily OTP limit reached")
	ErrThrottled          = errors.New("please wait before requesting another code")
	ErrDispatchFailed     = errors.New("could not send the verification email")
	ErrInvalidRequest     = errors.New("no active verification request")
	ErrExpired            = errors.New("verification code expired")
	ErrTooManyAttempts    = errors.New("too many attempts")
	ErrAccountLocked      = errors.New("account locked after too many failed codes")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrNotFound           = errors.New("not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrValidation         = errors.New("invalid input")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// MismatchError is ErrIdentityMismatch with the attempts left before a block.
// It never names the field that disagreed.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s, %d attempt(s) remaining", ErrIdentityMismatch.Error(), e.Remaining)
}

func (e *MismatchError) Unwrap() error { return ErrIdentityMismatch }

// ThrottleError is ErrThrottled with the time left until the next code may be sent.
type ThrottleError struct {
	Wait time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s (%ds)", ErrThrottled.Error(), int(e.Wait.Round(time.Second)/time.Second))
}

func (e *ThrottleError) Unwrap() error { return ErrThrottled }

var kinds = []struct {
	err  error
	kind string
}{
	{ErrIdentityMismatch, "identity_mismatch"},
	{ErrAccountBlocked, "account_blocked"},
	{ErrDailyLimitExceeded, "daily_limit_exceeded"},
	{ErrThrottled, "throttled"},
	{ErrDispatchFailed, "dispatch_failed"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrExpired, "expired"},
	{ErrTooManyAttempts, "too_many_attempts"},
	{ErrAccountLocked, "account_locked"},
	{ErrInvalidCode, "invalid_code"},
	{ErrNotFound, "not_found"},
	{ErrEmailTaken, "email_taken"},
	{ErrValidation, "validation_error"},
	{ErrInvalidTransition, "invalid_transition"},
}

// Kind returns the stable tag for a service error, or "internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
