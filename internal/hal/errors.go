package hal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation is attempted
	// while the board is not in StateConnected.
	ErrNotConnected = errors.New("board not connected")

	// ErrNotConfigured is returned when a pin has no mode assignment
	// compatible with the requested operation.
	ErrNotConfigured = errors.New("pin not configured")

	// ErrUnsupported is returned when the operation has no meaning
	// for this board or pin (e.g. analog read without an ADC).
	ErrUnsupported = errors.New("operation not supported")

	// ErrConnectInProgress is returned when Connect is called while a
	// connection attempt is already underway.
	ErrConnectInProgress = errors.New("connect already in progress")
)

// ConnectError reports a failed attempt to establish the backend
// channel. Diagnosis carries the human-readable, backend-specific
// explanation (missing driver, daemon not running, wrong port) so the
// failure is actionable rather than generic.
type ConnectError struct {
	Backend   string
	Diagnosis string
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Diagnosis, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Diagnosis)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// FaultError marks a mid-operation I/O failure, distinct from a
// rejected request: the channel was up but the operation failed.
// Receiving one moves the board to StateError and, when enabled,
// starts the reconnect loop.
type FaultError struct {
	Op  string
	Pin int
	Err error
}

func (e *FaultError) Error() string {
	if e.Pin >= 0 {
		return fmt.Sprintf("%s pin %d: %v", e.Op, e.Pin, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// IsFault reports whether err carries a FaultError anywhere in its
// chain.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}
