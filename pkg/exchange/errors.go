package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrInvalidConfig is returned when a Config fails validation.
	// The failing field is included in the wrapping error.
	ErrInvalidConfig = errors.New("exchange: invalid config")

	// ErrSchedulerClosed is returned when scheduling on a closed Scheduler.
	ErrSchedulerClosed = errors.New("exchange: scheduler closed")

	// ErrNilTask is returned when a task has no exchange or no dispatcher.
	ErrNilTask = errors.New("exchange: task needs an exchange and a dispatcher")
)
