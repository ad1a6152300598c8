package firmata

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benchrig/labboard/internal/hal"
)

const handshakeTimeout = 3 * time.Second

func init() {
	hal.RegisterBackend(hal.BackendKeyArduino, func(cfg hal.BoardConfig, logger *log.Logger) (hal.Backend, error) {
		if cfg.Port == "" {
			return nil, fmt.Errorf("arduino board %q needs a serial device path in port", cfg.Name)
		}
		return New(cfg.Port, logger), nil
	})
}

type pinConfig struct {
	mode hal.PinMode
	typ  hal.PinType
}

// Backend drives a Firmata-flashed microcontroller over a serial port.
type Backend struct {
	portPath string
	opener   PortOpener
	logger   *log.Logger
	caps     *hal.Capabilities
	events   chan hal.PinEvent

	mu     sync.Mutex
	client *client
	pins   map[int]pinConfig
}

// New creates a backend for the serial device at path.
func New(path string, logger *log.Logger) *Backend {
	return NewWithOpener(path, OpenSerial, logger)
}

// NewWithOpener is New with an injected port opener, for tests.
func NewWithOpener(path string, opener PortOpener, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	return &Backend{
		portPath: path,
		opener:   opener,
		logger:   logger,
		caps:     hal.ArduinoUnoCapabilities(),
		events:   make(chan hal.PinEvent, 256),
		pins:     make(map[int]pinConfig),
	}
}

func (b *Backend) Name() string { return "firmata:" + b.portPath }

func (b *Backend) Capabilities() *hal.Capabilities { return b.caps }

func (b *Backend) Events() <-chan hal.PinEvent { return b.events }

// Connect opens the serial port and handshakes with the firmware by
// querying the protocol version. Without an answer there is no Firmata
// speaker on the other end and the port is closed again. A reconnect
// closes the previous session first and replays surviving pin
// configurations, since the firmware on the other end has rebooted or
// lost them.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	old := b.client
	b.client = nil
	b.mu.Unlock()
	if old != nil {
		old.close()
	}

	port, err := b.opener(b.portPath)
	if err != nil {
		return &hal.ConnectError{
			Backend:   b.Name(),
			Diagnosis: fmt.Sprintf("cannot open serial port %s (wrong device path, or port in use?)", b.portPath),
			Err:       err,
		}
	}

	c := newClient(port, b.events)
	if err := c.requestVersion(ctx); err != nil {
		c.close()
		return &hal.ConnectError{Backend: b.Name(), Diagnosis: "serial write failed during handshake", Err: err}
	}

	timeout := handshakeTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	version, err := c.waitVersion(timeout)
	if err != nil {
		c.close()
		return &hal.ConnectError{
			Backend:   b.Name(),
			Diagnosis: fmt.Sprintf("no Firmata response on %s (is StandardFirmata flashed?)", b.portPath),
			Err:       err,
		}
	}
	b.logger.Printf("firmata: %s reports protocol v%d.%d", b.portPath, version[0], version[1])

	b.mu.Lock()
	saved := make(map[int]pinConfig, len(b.pins))
	for pin, cfg := range b.pins {
		saved[pin] = cfg
	}
	b.mu.Unlock()
	pins := make([]int, 0, len(saved))
	for pin := range saved {
		pins = append(pins, pin)
	}
	sort.Ints(pins)
	for _, pin := range pins {
		cfg := saved[pin]
		if err := b.applyPin(ctx, c, pin, cfg.mode, cfg.typ); err != nil {
			b.logger.Printf("firmata: restoring pin %d after reconnect: %v", pin, err)
		}
	}

	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
	return nil
}

// Disconnect closes the serial session. Safe-value resets are the
// facade's job and have already happened; firmware-side state is
// cleared with a system reset so the next connect starts clean.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.pins = make(map[int]pinConfig)
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.systemReset(ctx); err != nil {
		b.logger.Printf("firmata: system reset on disconnect: %v", err)
	}
	return c.close()
}

func (b *Backend) ConfigurePin(ctx context.Context, pin int, mode hal.PinMode, typ hal.PinType) error {
	c, err := b.session()
	if err != nil {
		return err
	}
	if err := b.applyPin(ctx, c, pin, mode, typ); err != nil {
		return err
	}
	b.mu.Lock()
	b.pins[pin] = pinConfig{mode: mode, typ: typ}
	b.mu.Unlock()
	return nil
}

func (b *Backend) applyPin(ctx context.Context, c *client, pin int, mode hal.PinMode, typ hal.PinType) error {
	var err error
	switch typ {
	case hal.TypeDigital:
		switch mode {
		case hal.ModeOutput:
			err = c.setPinMode(ctx, pin, fpmOutput)
		case hal.ModeInput:
			err = c.setPinMode(ctx, pin, fpmInput)
		case hal.ModeInputPullUp:
			err = c.setPinMode(ctx, pin, fpmInputPullup)
		case hal.ModeInputPullDown:
			return fmt.Errorf("firmata: AVR boards have no pull-down resistors: %w", hal.ErrUnsupported)
		}
		if err == nil && mode.IsInput() {
			c.watch(pin)
			err = c.reportDigital(ctx, pin/8, true)
		}

	case hal.TypeAnalog:
		channel := pin - 14
		if channel < 0 {
			return fmt.Errorf("firmata: pin %d is not an analog channel: %w", pin, hal.ErrUnsupported)
		}
		if err = c.setPinMode(ctx, pin, fpmAnalog); err == nil {
			c.watch(pin)
			err = c.reportAnalog(ctx, channel, true)
		}

	case hal.TypePWM:
		err = c.setPinMode(ctx, pin, fpmPWM)

	case hal.TypeServo:
		if err = c.servoConfig(ctx, pin, hal.ServoMinPulseUs, hal.ServoMaxPulseUs); err == nil {
			err = c.setPinMode(ctx, pin, fpmServo)
		}

	default:
		return fmt.Errorf("firmata: pin type %s: %w", typ, hal.ErrUnsupported)
	}

	if err != nil {
		return &hal.FaultError{Op: "firmata configure", Pin: pin, Err: err}
	}
	return nil
}

// ReleasePin drives the pin low as a plain output and stops reporting.
func (b *Backend) ReleasePin(ctx context.Context, pin int) error {
	c, err := b.session()
	if err != nil {
		return err
	}

	b.mu.Lock()
	cfg, ok := b.pins[pin]
	delete(b.pins, pin)
	stillWatched := false
	for other, oc := range b.pins {
		if other != pin && other/8 == pin/8 && oc.typ == hal.TypeDigital && oc.mode.IsInput() {
			stillWatched = true
		}
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	c.unwatch(pin)
	if cfg.typ == hal.TypeDigital && cfg.mode.IsInput() && !stillWatched {
		if err := c.reportDigital(ctx, pin/8, false); err != nil {
			return &hal.FaultError{Op: "firmata release", Pin: pin, Err: err}
		}
	}
	if cfg.typ == hal.TypeAnalog {
		if err := c.reportAnalog(ctx, pin-14, false); err != nil {
			return &hal.FaultError{Op: "firmata release", Pin: pin, Err: err}
		}
		return nil
	}

	if err := c.setPinMode(ctx, pin, fpmOutput); err != nil {
		return &hal.FaultError{Op: "firmata release", Pin: pin, Err: err}
	}
	if err := c.digitalWrite(ctx, pin, false); err != nil {
		return &hal.FaultError{Op: "firmata release", Pin: pin, Err: err}
	}
	return nil
}

func (b *Backend) WriteDigital(ctx context.Context, pin int, value bool) error {
	c, err := b.session()
	if err != nil {
		return err
	}
	if err := c.digitalWrite(ctx, pin, value); err != nil {
		return &hal.FaultError{Op: "firmata write", Pin: pin, Err: err}
	}
	return nil
}

func (b *Backend) WriteAnalog(ctx context.Context, pin int, value int) error {
	c, err := b.session()
	if err != nil {
		return err
	}
	if err := c.analogWrite(ctx, pin, hal.ClampPWM(value)); err != nil {
		return &hal.FaultError{Op: "firmata write", Pin: pin, Err: err}
	}
	return nil
}

// WriteServoPulse converts the canonical pulse width back into the
// degrees StandardFirmata expects; SERVO_CONFIG already pinned the
// 500/2500us endpoints so the two encodings describe the same pulse.
// A zero pulse stops the servo by reverting the pin to a low output.
func (b *Backend) WriteServoPulse(ctx context.Context, pin int, pulseUs int) error {
	c, err := b.session()
	if err != nil {
		return err
	}
	if pulseUs == 0 {
		if err := c.setPinMode(ctx, pin, fpmOutput); err != nil {
			return &hal.FaultError{Op: "firmata servo stop", Pin: pin, Err: err}
		}
		if err := c.digitalWrite(ctx, pin, false); err != nil {
			return &hal.FaultError{Op: "firmata servo stop", Pin: pin, Err: err}
		}
		return nil
	}
	angle := (pulseUs - hal.ServoMinPulseUs) * 180 / (hal.ServoMaxPulseUs - hal.ServoMinPulseUs)
	if err := c.analogWrite(ctx, pin, hal.ClampServoAngle(angle)); err != nil {
		return &hal.FaultError{Op: "firmata servo", Pin: pin, Err: err}
	}
	return nil
}

// ReadDigital answers from the mirrored port image the firmware
// reports; Firmata has no synchronous read.
func (b *Backend) ReadDigital(ctx context.Context, pin int) (bool, error) {
	c, err := b.session()
	if err != nil {
		return false, err
	}
	v, ok := c.digitalLevel(pin)
	if !ok {
		return false, fmt.Errorf("firmata: no report yet for pin %d: %w", pin, hal.ErrNotConfigured)
	}
	return v, nil
}

func (b *Backend) ReadAnalog(ctx context.Context, pin int) (int, error) {
	c, err := b.session()
	if err != nil {
		return 0, err
	}
	v, ok := c.analogLevel(pin - 14)
	if !ok {
		return 0, fmt.Errorf("firmata: no report yet for pin %d: %w", pin, hal.ErrNotConfigured)
	}
	return v, nil
}

func (b *Backend) session() (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, hal.ErrNotConnected
	}
	return b.client, nil
}
