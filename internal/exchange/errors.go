package exchange

import "errors"

// Failure classes from §7 of the venue contract. Loops check these with
// errors.Is and decide whether to retry, surface, or continue.
var (
	// ErrAuth covers signature and credential rejections. Never retried.
	ErrAuth = errors.New("exchange: authentication rejected")

	// ErrRateLimited is returned after the adapter has exhausted its own
	// doubled-interval retries.
	ErrRateLimited = errors.New("exchange: rate limited")

	// ErrRejected means the venue refused the mutation on policy grounds
	// (e.g. price outside the allowed band).
	ErrRejected = errors.New("exchange: rejected by venue")

	// ErrNotFound is returned for lookups of unknown order ids.
	ErrNotFound = errors.New("exchange: not found")
)
