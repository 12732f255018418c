package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure; no infrastructure dependency.

var (
	// No-data: the iteration is skipped with a warning, weights unchanged.
	ErrNoData             = errors.New("no credit data available")
	ErrInsufficientSignal = errors.New("not every class has completed work to control on")

	// Transient external failures: the iteration is skipped with an error.
	ErrNoWeights  = errors.New("current weights unavailable")
	ErrDispatcher = errors.New("dispatcher command failed")

	// Write failure: no dispatcher signal, previous weights stay in force.
	ErrWriteFailed = errors.New("weight store write failed")

	// Malformed source data: only the offending row is dropped.
	ErrMalformedRow = errors.New("malformed source row")

	// Setup failure: surfaced as a non-zero process exit.
	ErrSetup = errors.New("setup failed")

	// Configuration errors
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrUnknownAlgorithm = errors.New("unknown balancing algorithm")
)

// IsSkip reports whether err means "nothing to do this iteration" rather than
// a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrInsufficientSignal)
}
