package hal

import (
	"fmt"
	"time"
)

// RejectedError means the HAL endpoint explicitly refused a command. It
// carries the hardware-supplied error text.
type RejectedError struct {
	Command string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("hal rejected %q: %s", e.Command, e.Message)
}

// TimeoutError means no response arrived within the allowed read window
// while the caller was not cancelled.
type TimeoutError struct {
	Command string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response to %q from hal after %s", e.Command, e.Elapsed)
}

// HeaterShutdownError means the disable_heater safety procedure exhausted
// its retries. This is the one failure mode the surrounding system must
// treat as requiring operator intervention, not silent continuation.
type HeaterShutdownError struct {
	Attempts int
	LastErr  error
}

func (e *HeaterShutdownError) Error() string {
	return fmt.Sprintf("heater shutdown failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *HeaterShutdownError) Unwrap() error {
	return e.LastErr
}
