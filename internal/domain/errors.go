package domain

import "errors"

var (
	// ErrNotFound is returned by the store when a user record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed control or credential input.
	ErrValidation = errors.New("validation failed")

	// ErrUpstream marks a failed language model or specialist call.
	ErrUpstream = errors.New("upstream error")

	// ErrUpstreamTimeout marks an upstream call that exceeded its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrRateLimited marks an upstream call rejected for rate limiting.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrMalformedResponse marks an upstream response that could not be used.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrPersistence marks a store failure.
	ErrPersistence = errors.New("persistence error")

	// ErrProtocolViolation marks an exchange that repeated a speaker.
	ErrProtocolViolation = errors.New("turn protocol violation")

	// ErrRoundCeiling marks an exchange that ran out of rounds.
	ErrRoundCeiling = errors.New("turn round ceiling reached")

	// ErrSessionGone is returned by a deliverer when the recipient is unreachable.
	ErrSessionGone = errors.New("session gone")
)

// IsUpstream reports whether err belongs to the upstream family.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrRateLimited) || errors.Is(err, ErrMalformedResponse)
}
