// Package hal provides a uniform asynchronous control surface over
// heterogeneous laboratory I/O boards: a microcontroller attached over
// serial, a single-board computer's GPIO driven locally or through a
// remote daemon, and an in-memory mock for tests. One pin/device model
// is presented regardless of backend.
package hal

import "time"

// PinMode describes the I/O direction of a configured pin.
type PinMode int

const (
	ModeOutput PinMode = iota
	ModeInput
	ModeInputPullUp
	ModeInputPullDown
)

// IsInput reports whether the mode reads from the pin.
func (m PinMode) IsInput() bool { return m != ModeOutput }

func (m PinMode) String() string {
	switch m {
	case ModeOutput:
		return "output"
	case ModeInput:
		return "input"
	case ModeInputPullUp:
		return "input_pullup"
	case ModeInputPullDown:
		return "input_pulldown"
	}
	return "unknown"
}

// PinType describes the kind of signal a pin assignment carries.
type PinType int

const (
	TypeDigital PinType = iota
	TypeAnalog
	TypePWM
	TypeServo
	TypeI2C
	TypeSPI
)

func (t PinType) String() string {
	switch t {
	case TypeDigital:
		return "digital"
	case TypeAnalog:
		return "analog"
	case TypePWM:
		return "pwm"
	case TypeServo:
		return "servo"
	case TypeI2C:
		return "i2c"
	case TypeSPI:
		return "spi"
	}
	return "unknown"
}

// PinEvent is a single observed input transition, produced on a
// backend-owned goroutine and delivered through the board's dispatch
// loop.
type PinEvent struct {
	Pin       int
	Value     int
	Timestamp time.Time
}

// Canonical servo endpoints shared by every backend: 0 degrees is a
// 500us pulse, 180 degrees is 2500us. Backends that take a -1..+1
// range derive their value from the same pulse width so the physical
// endpoints match across backends.
const (
	ServoMinPulseUs = 500
	ServoMaxPulseUs = 2500
)

// ServoPulseUs converts a servo angle (0-180, clamped) into the
// canonical pulse width in microseconds.
func ServoPulseUs(angle int) int {
	angle = ClampServoAngle(angle)
	return ServoMinPulseUs + angle*(ServoMaxPulseUs-ServoMinPulseUs)/180
}

// ServoUnit converts a pulse width into the -1..+1 range used by
// unit-interval servo drivers. A 1500us pulse maps to 0.0.
func ServoUnit(pulseUs int) float64 {
	return (float64(pulseUs) - 1500.0) / 1000.0
}

// ClampPWM clamps a PWM duty value to the 0-255 range all backends
// accept.
func ClampPWM(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// ClampServoAngle clamps a servo angle to 0-180 degrees.
func ClampServoAngle(a int) int {
	if a < 0 {
		return 0
	}
	if a > 180 {
		return 180
	}
	return a
}
