// Package rpigpio implements the local GPIO backend for a Raspberry
// Pi the process itself runs on. Two concrete drivers are supported:
// the periph.io host driver and a go-rpio memory-mapped fallback. The
// chain is probed once at connect time and the winner recorded; it is
// never re-probed per call.
package rpigpio

import "github.com/benchrig/labboard/internal/hal"

// pinDriver is the narrow surface the backend needs from a concrete
// GPIO library.
type pinDriver interface {
	Name() string
	Close() error
	SetInput(pin int, mode hal.PinMode) error
	SetOutput(pin int) error
	Write(pin int, high bool) error
	Read(pin int) (bool, error)
	// WritePWM takes a duty in the canonical 0-255 range.
	WritePWM(pin int, duty int) error
	// WriteServoPulse takes microseconds; zero stops the pulse train.
	WriteServoPulse(pin int, pulseUs int) error
}

// A probe opens one candidate driver. Probes run in order at connect;
// the first success wins.
type probe struct {
	name string
	open func() (pinDriver, error)
}

func defaultProbes() []probe {
	return []probe{
		{name: "periph", open: openPeriph},
		{name: "rpio", open: openRPIO},
	}
}
