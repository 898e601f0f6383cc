package apperrors

import "errors"

// Standardized exchange and engine errors. Adapters map venue-specific
// response codes onto these so the engines can branch with errors.Is.
var (
	ErrTransientNetwork  = errors.New("transient network error")
	ErrAuth              = errors.New("authentication failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejectedBySide    = errors.New("order rejected by position side")
	ErrOrderTimeout      = errors.New("order timed out")
	ErrOrderRejected     = errors.New("order rejected")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrIncompatibleVenue = errors.New("no compatible instruments on venue")
	ErrMaintenance       = errors.New("exchange maintenance")
	ErrTimestampSkew     = errors.New("timestamp out of recv window")
)

// Engine-side errors.
var (
	ErrDeltaBreach         = errors.New("delta neutrality breach")
	ErrPartialCloseFailure = errors.New("partial close failure")
	ErrStaleData           = errors.New("stale funding data")
	ErrMissingSnapshot     = errors.New("missing position snapshot")
	ErrInvalidTransition   = errors.New("invalid trade state transition")
)

// Store-side errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrLockContended    = errors.New("lock contended")
	ErrStoreUnavailable = errors.New("kv store unavailable")
)

// IsTransient reports whether err is worth retrying: network flakes,
// rate limits, and maintenance windows. Auth and rejection errors are
// permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrMaintenance)
}
