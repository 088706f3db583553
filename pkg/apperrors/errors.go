package apperrors

import "errors"

// Standardized venue errors. The venue client classifies wire-level failures
// into these so that callers can branch with errors.Is.
var (
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrSubmissionTimeout    = errors.New("order submission timed out")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidOrder         = errors.New("invalid order parameter")
	ErrVenueMaintenance     = errors.New("venue maintenance")
)

// IsFatal reports whether an error must abort the current execution attempt
// rather than being retried on the next poll.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsTransient reports whether an error is safe to retry at the call site.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrSubmissionTimeout)
}
