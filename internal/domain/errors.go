package domain

import "errors"

var (
	// ErrInvalidConfig marks configuration problems detected before a run starts.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidDateRange is returned when a request's date range is empty or reversed.
	ErrInvalidDateRange = errors.New("invalid date range")

	// ErrEmptyFeed is returned when no bars are available for a run.
	ErrEmptyFeed = errors.New("empty bar feed")

	// ErrStrategyNotFound is returned when a strategy id is not registered.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrInvalidParam is returned for unknown or out-of-range strategy parameters.
	ErrInvalidParam = errors.New("invalid strategy parameter")

	// ErrRunNotFound is returned by result stores for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound is returned by result stores for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrCheckpointNotFound is returned when a task has no saved checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNotResumable is returned when resuming a task that cannot continue.
	ErrNotResumable = errors.New("task not resumable")
)

// IsClientError reports whether err was caused by bad caller input rather
// than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrEmptyFeed) ||
		errors.Is(err, ErrInvalidParam) ||
		errors.Is(err, ErrNotResumable)
}

// IsNotFound reports whether err names a missing strategy, run, task or
// checkpoint.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStrategyNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrCheckpointNotFound)
}
