// Package firmata implements the microcontroller-over-serial backend:
// a Firmata protocol client for Uno-class boards flashed with
// StandardFirmata, speaking over a serial port.
package firmata

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the minimal interface the client needs from a serial
// port. The abstraction enables unit testing without real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens a serial port at the given path. Injected so tests
// can substitute an in-memory port.
type PortOpener func(path string) (SerialPorter, error)

// OpenSerial opens a real serial port with the standard Firmata line
// settings (57600 8N1).
func OpenSerial(path string) (SerialPorter, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: 57600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}
