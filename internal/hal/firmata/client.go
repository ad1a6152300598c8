package firmata

import (
	"bufio"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benchrig/labboard/internal/hal"
)

// Firmata protocol bytes.
const (
	msgDigitalMessage  = 0x90 // two data bytes: port bit image, 7+1 bits
	msgAnalogMessage   = 0xE0 // two data bytes: 14-bit value
	msgReportAnalog    = 0xC0
	msgReportDigital   = 0xD0
	msgSetPinMode      = 0xF4
	msgSetDigitalValue = 0xF5
	msgSysexStart      = 0xF0
	msgSysexEnd        = 0xF7
	msgProtocolVersion = 0xF9
	msgSystemReset     = 0xFF

	sysexServoConfig    = 0x70
	sysexExtendedAnalog = 0x6F
)

// Firmata pin mode values (distinct from hal.PinMode).
const (
	fpmInput       = 0x00
	fpmOutput      = 0x01
	fpmAnalog      = 0x02
	fpmPWM         = 0x03
	fpmServo       = 0x04
	fpmInputPullup = 0x0B
)

var errClientClosed = errors.New("firmata client closed")

// client owns one serial session: a reader goroutine parsing the
// inbound Firmata stream and mutex-serialized outbound writes. The
// digital port images and last analog readings are the mirrored state
// the wire protocol forces on us; reads are answered from them.
type client struct {
	port    SerialPorter
	eventCh chan<- hal.PinEvent
	done    chan struct{}

	writeMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	readErr     error
	portBits    [16]uint8
	portKnown   [16]bool
	analog      [16]int
	analogKnown [16]bool
	watched     map[int]bool

	versionCh chan [2]byte
}

func newClient(port SerialPorter, events chan<- hal.PinEvent) *client {
	c := &client{
		port:      port,
		eventCh:   events,
		done:      make(chan struct{}),
		watched:   make(map[int]bool),
		versionCh: make(chan [2]byte, 1),
	}
	go c.readLoop()
	return c
}

// close shuts the session down. Closing the port unblocks the reader.
func (c *client) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return c.port.Close()
}

// watch marks a pin as an input whose transitions should be reported.
func (c *client) watch(pin int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched[pin] = true
}

func (c *client) unwatch(pin int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watched, pin)
}

// send writes raw protocol bytes, serialized so concurrent pin
// operations cannot interleave mid-message. The write itself runs on
// its own goroutine so a wedged serial port cannot hold the caller
// past its ctx. An abandoned write keeps writeMu until the port
// unblocks; writers queued behind it are each still bounded by their
// own ctx, and a caller that gave up while queued does not put its
// stale message on the wire.
func (c *client) send(ctx context.Context, msg ...byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	if err := c.readErr; err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-c.done:
			errCh <- errClientClosed
			return
		default:
		}
		_, err := c.port.Write(msg)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errClientClosed
	}
}

func (c *client) setPinMode(ctx context.Context, pin, mode int) error {
	return c.send(ctx, msgSetPinMode, byte(pin), byte(mode))
}

func (c *client) digitalWrite(ctx context.Context, pin int, high bool) error {
	v := byte(0)
	if high {
		v = 1
	}
	return c.send(ctx, msgSetDigitalValue, byte(pin), v)
}

// analogWrite carries a 14-bit value: PWM duty or, for servo pins, the
// angle in degrees.
func (c *client) analogWrite(ctx context.Context, pin, value int) error {
	if pin > 15 {
		return c.send(ctx, msgSysexStart, sysexExtendedAnalog, byte(pin),
			byte(value&0x7F), byte((value>>7)&0x7F), msgSysexEnd)
	}
	return c.send(ctx, byte(msgAnalogMessage|pin), byte(value&0x7F), byte((value>>7)&0x7F))
}

func (c *client) reportDigital(ctx context.Context, portIdx int, enable bool) error {
	v := byte(0)
	if enable {
		v = 1
	}
	return c.send(ctx, byte(msgReportDigital|portIdx), v)
}

func (c *client) reportAnalog(ctx context.Context, channel int, enable bool) error {
	v := byte(0)
	if enable {
		v = 1
	}
	return c.send(ctx, byte(msgReportAnalog|channel), v)
}

func (c *client) servoConfig(ctx context.Context, pin, minPulseUs, maxPulseUs int) error {
	return c.send(ctx, msgSysexStart, sysexServoConfig, byte(pin),
		byte(minPulseUs&0x7F), byte((minPulseUs>>7)&0x7F),
		byte(maxPulseUs&0x7F), byte((maxPulseUs>>7)&0x7F),
		msgSysexEnd)
}

func (c *client) requestVersion(ctx context.Context) error {
	return c.send(ctx, msgProtocolVersion)
}

func (c *client) systemReset(ctx context.Context) error {
	return c.send(ctx, msgSystemReset)
}

// waitVersion blocks until the board answers the protocol version
// query, the deadline passes, or the session dies.
func (c *client) waitVersion(timeout time.Duration) ([2]byte, error) {
	select {
	case v := <-c.versionCh:
		return v, nil
	case <-c.done:
		return [2]byte{}, errClientClosed
	case <-time.After(timeout):
		return [2]byte{}, errors.New("timed out waiting for protocol version")
	}
}

// digitalLevel answers a digital read from the mirrored port image.
func (c *client) digitalLevel(pin int) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	portIdx, bit := pin/8, uint(pin%8)
	if portIdx >= len(c.portBits) || !c.portKnown[portIdx] {
		return false, false
	}
	return c.portBits[portIdx]&(1<<bit) != 0, true
}

// analogLevel answers an analog read from the last reported sample.
func (c *client) analogLevel(channel int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel < 0 || channel >= len(c.analog) || !c.analogKnown[channel] {
		return 0, false
	}
	return c.analog[channel], true
}

func (c *client) readLoop() {
	br := bufio.NewReader(c.port)
	for {
		b, err := br.ReadByte()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.readErr = err
			}
			c.mu.Unlock()
			return
		}

		switch {
		case b == msgProtocolVersion:
			major, minor, err := read2(br)
			if err != nil {
				c.recordReadErr(err)
				return
			}
			select {
			case c.versionCh <- [2]byte{major, minor}:
			default:
			}

		case b == msgSysexStart:
			// Replies we do not consume; skip to the terminator.
			for {
				sb, err := br.ReadByte()
				if err != nil {
					c.recordReadErr(err)
					return
				}
				if sb == msgSysexEnd {
					break
				}
			}

		case b&0xF0 == msgDigitalMessage:
			lsb, msb, err := read2(br)
			if err != nil {
				c.recordReadErr(err)
				return
			}
			bits := uint8(uint16(lsb) | uint16(msb)<<7)
			c.handleDigital(int(b&0x0F), bits)

		case b&0xF0 == msgAnalogMessage:
			lsb, msb, err := read2(br)
			if err != nil {
				c.recordReadErr(err)
				return
			}
			c.handleAnalog(int(b&0x0F), int(lsb)|int(msb)<<7)
		}
	}
}

// handleDigital diffs a port bit image against the previous one and
// emits one event per watched pin that changed. The first image after
// reporting is enabled sets the baseline and emits nothing, so the
// stream carries only physical transitions.
func (c *client) handleDigital(portIdx int, bits uint8) {
	if portIdx >= len(c.portBits) {
		return
	}
	now := time.Now()

	c.mu.Lock()
	prev := c.portBits[portIdx]
	known := c.portKnown[portIdx]
	c.portBits[portIdx] = bits
	c.portKnown[portIdx] = true
	var changed []hal.PinEvent
	if known {
		diff := prev ^ bits
		for bit := 0; bit < 8; bit++ {
			if diff&(1<<uint(bit)) == 0 {
				continue
			}
			pin := portIdx*8 + bit
			if !c.watched[pin] {
				continue
			}
			value := 0
			if bits&(1<<uint(bit)) != 0 {
				value = 1
			}
			changed = append(changed, hal.PinEvent{Pin: pin, Value: value, Timestamp: now})
		}
	}
	c.mu.Unlock()

	for _, ev := range changed {
		c.emit(ev)
	}
}

func (c *client) handleAnalog(channel, value int) {
	if channel >= len(c.analog) {
		return
	}
	pin := 14 + channel

	c.mu.Lock()
	prev := c.analog[channel]
	known := c.analogKnown[channel]
	c.analog[channel] = value
	c.analogKnown[channel] = true
	watched := c.watched[pin]
	c.mu.Unlock()

	// Firmata repeats analog samples every reporting interval; only
	// value changes count as transitions.
	if known && watched && value != prev {
		c.emit(hal.PinEvent{Pin: pin, Value: value, Timestamp: time.Now()})
	}
}

// emit hands an event to the board's dispatch loop. If the session is
// tearing down the event is discarded rather than blocking the reader
// forever.
func (c *client) emit(ev hal.PinEvent) {
	select {
	case c.eventCh <- ev:
	case <-c.done:
	}
}

func (c *client) recordReadErr(err error) {
	c.mu.Lock()
	if !c.closed {
		c.readErr = err
	}
	c.mu.Unlock()
}

func read2(br *bufio.Reader) (byte, byte, error) {
	a, err := br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	b, err := br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
