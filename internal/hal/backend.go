package hal

import "context"

// Backend is the contract every concrete driver family implements:
// microcontroller over serial, local GPIO driver, remote GPIO daemon,
// mock. A backend owns whatever goroutines its vendor library needs
// and hides them; blocking vendor I/O never runs on the board's
// dispatch goroutine.
//
// Backends are stateless with respect to facade-level bookkeeping
// (assignments, last values) except where the underlying driver
// requires mirrored state, such as a remote daemon handle or a
// Firmata port-state image.
type Backend interface {
	// Connect establishes the underlying channel. Safe to call only
	// from the disconnected or error states. Failures are returned as
	// *ConnectError, never swallowed.
	Connect(ctx context.Context) error

	// Disconnect releases channel resources and clears backend-local
	// bookkeeping. It is best-effort and must leave the backend
	// reconnectable.
	Disconnect(ctx context.Context) error

	// ConfigurePin allocates the backend-native handle for a pin,
	// releasing any prior handle first. For input modes it installs
	// whatever change-notification source the backend supports.
	ConfigurePin(ctx context.Context, pin int, mode PinMode, typ PinType) error

	// ReleasePin drops the backend-native handle for a pin, driving
	// outputs to their safe value first.
	ReleasePin(ctx context.Context, pin int) error

	WriteDigital(ctx context.Context, pin int, value bool) error

	// WriteAnalog writes a PWM duty cycle in the canonical 0-255
	// range; backends with a different native range map it.
	WriteAnalog(ctx context.Context, pin int, value int) error

	// WriteServoPulse writes a servo pulse width in microseconds.
	// Zero means stop driving the servo.
	WriteServoPulse(ctx context.Context, pin int, pulseUs int) error

	ReadDigital(ctx context.Context, pin int) (bool, error)

	// ReadAnalog returns the raw analog reading. Backends without an
	// ADC return ErrUnsupported.
	ReadAnalog(ctx context.Context, pin int) (int, error)

	// Capabilities returns the immutable pin table for this board.
	Capabilities() *Capabilities

	// Events returns the channel carrying input transitions detected
	// on backend-owned goroutines. The channel lives for the backend
	// lifetime and is never closed; per-pin ordering is FIFO.
	Events() <-chan PinEvent

	// Name identifies the backend family for logs and diagnostics.
	Name() string
}
