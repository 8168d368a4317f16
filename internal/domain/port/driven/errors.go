// Package driven defines the outbound port contracts implemented by adapters.
package driven

import "errors"

// Error taxonomy shared by all adapters. "No data available" is deliberately
// absent: sources report it as an empty result, not an error.
var (
	// ErrAuthExpired means the remote rejected the credential twice in a row;
	// a single rejection is always recovered by refresh-and-retry inside the
	// client and never surfaces.
	ErrAuthExpired = errors.New("authentication expired: re-authentication required")

	// ErrRateLimited means the remote returned 429. The client never retries;
	// the caller owns backoff.
	ErrRateLimited = errors.New("rate limited by remote")

	// ErrNetworkFailure covers transport errors, timeouts, and unexpected
	// remote status codes.
	ErrNetworkFailure = errors.New("network failure")

	// ErrPersistenceFailure means the durable store itself failed. This is
	// the only condition worth alarming on.
	ErrPersistenceFailure = errors.New("persistence failure")
)
