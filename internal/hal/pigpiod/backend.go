package pigpiod

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benchrig/labboard/internal/hal"
)

const dialTimeout = 5 * time.Second

func init() {
	hal.RegisterBackend(hal.BackendKeyPiRemote, func(cfg hal.BoardConfig, logger *log.Logger) (hal.Backend, error) {
		return New(cfg.Port, logger), nil
	})
}

type pinConfig struct {
	mode hal.PinMode
	typ  hal.PinType
}

// Backend drives GPIO on a remote Raspberry Pi through its pigpiod
// daemon.
type Backend struct {
	addr   string
	logger *log.Logger
	caps   *hal.Capabilities
	events chan hal.PinEvent

	mu   sync.Mutex
	sess *session
	pins map[int]pinConfig
}

// New creates a backend for the daemon at addr. A bare hostname or IP
// gets the default pigpiod port appended.
func New(addr string, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	if !strings.Contains(addr, ":") {
		addr = addr + ":" + DefaultPort
	}
	return &Backend{
		addr:   addr,
		logger: logger,
		caps:   hal.RaspberryPiCapabilities(),
		events: make(chan hal.PinEvent, 256),
		pins:   make(map[int]pinConfig),
	}
}

func (b *Backend) Name() string { return "pigpiod:" + b.addr }

func (b *Backend) Capabilities() *hal.Capabilities { return b.caps }

func (b *Backend) Events() <-chan hal.PinEvent { return b.events }

func (b *Backend) Connect(ctx context.Context) error {
	// A reconnect must not leave the previous session's reader
	// goroutine, socket pair, and notification handle alive.
	b.mu.Lock()
	old := b.sess
	b.sess = nil
	b.mu.Unlock()
	if old != nil {
		old.close()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	s, err := dialSession(ctx, b.addr, b.events)
	if err != nil {
		return &hal.ConnectError{
			Backend:   b.Name(),
			Diagnosis: fmt.Sprintf("cannot reach pigpiod at %s (is the daemon running? start it with: sudo pigpiod)", b.addr),
			Err:       err,
		}
	}

	// Replay surviving pin configurations so modes and notification
	// watches outlive a fault-driven reconnect.
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
		if err := b.applyPin(ctx, s, pin, cfg.mode, cfg.typ); err != nil {
			b.logger.Printf("pigpiod: restoring pin %d after reconnect: %v", pin, err)
		}
	}

	b.mu.Lock()
	b.sess = s
	b.mu.Unlock()

	b.logger.Printf("pigpiod: connected to %s", b.addr)
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	s := b.sess
	b.sess = nil
	b.pins = make(map[int]pinConfig)
	b.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

func (b *Backend) ConfigurePin(ctx context.Context, pin int, mode hal.PinMode, typ hal.PinType) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	if err := b.applyPin(ctx, s, pin, mode, typ); err != nil {
		return err
	}
	b.mu.Lock()
	b.pins[pin] = pinConfig{mode: mode, typ: typ}
	b.mu.Unlock()
	return nil
}

func (b *Backend) applyPin(ctx context.Context, s *session, pin int, mode hal.PinMode, typ hal.PinType) error {
	gpio := uint32(pin)
	switch {
	case typ == hal.TypeDigital && mode.IsInput():
		if _, err := s.cmd.command(ctx, cmdModes, gpio, modeInput); err != nil {
			return pinError("pigpiod configure", pin, err)
		}
		pud := uint32(pudOff)
		switch mode {
		case hal.ModeInputPullUp:
			pud = pudUp
		case hal.ModeInputPullDown:
			pud = pudDown
		}
		if _, err := s.cmd.command(ctx, cmdPUD, gpio, pud); err != nil {
			return pinError("pigpiod configure", pin, err)
		}
		if err := s.watch(ctx, pin); err != nil {
			return pinError("pigpiod watch", pin, err)
		}

	default:
		// Outputs of every flavour: pigpiod treats PWM and servo as
		// write-time concerns on an output-mode pin.
		if _, err := s.cmd.command(ctx, cmdModes, gpio, modeOutput); err != nil {
			return pinError("pigpiod configure", pin, err)
		}
	}
	return nil
}

// ReleasePin stops notifications and parks the pin as an input, the
// daemon's power-on state.
func (b *Backend) ReleasePin(ctx context.Context, pin int) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.pins, pin)
	b.mu.Unlock()
	if err := s.unwatch(ctx, pin); err != nil {
		return pinError("pigpiod release", pin, err)
	}
	if _, err := s.cmd.command(ctx, cmdModes, uint32(pin), modeInput); err != nil {
		return pinError("pigpiod release", pin, err)
	}
	return nil
}

func (b *Backend) WriteDigital(ctx context.Context, pin int, value bool) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	v := uint32(0)
	if value {
		v = 1
	}
	if _, err := s.cmd.command(ctx, cmdWrite, uint32(pin), v); err != nil {
		return pinError("pigpiod write", pin, err)
	}
	return nil
}

// WriteAnalog maps directly: pigpiod's PWM duty range is 0-255.
func (b *Backend) WriteAnalog(ctx context.Context, pin int, value int) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	if _, err := s.cmd.command(ctx, cmdPWM, uint32(pin), uint32(hal.ClampPWM(value))); err != nil {
		return pinError("pigpiod pwm", pin, err)
	}
	return nil
}

// WriteServoPulse maps directly: pigpiod takes the pulse width in
// microseconds, zero meaning off.
func (b *Backend) WriteServoPulse(ctx context.Context, pin int, pulseUs int) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	if _, err := s.cmd.command(ctx, cmdServo, uint32(pin), uint32(pulseUs)); err != nil {
		return pinError("pigpiod servo", pin, err)
	}
	return nil
}

func (b *Backend) ReadDigital(ctx context.Context, pin int) (bool, error) {
	s, err := b.session()
	if err != nil {
		return false, err
	}
	v, err := s.cmd.command(ctx, cmdRead, uint32(pin), 0)
	if err != nil {
		return false, pinError("pigpiod read", pin, err)
	}
	return v != 0, nil
}

// ReadAnalog fails: the Pi has no built-in ADC.
func (b *Backend) ReadAnalog(ctx context.Context, pin int) (int, error) {
	return 0, fmt.Errorf("pigpiod: Raspberry Pi has no ADC (use an external one such as an MCP3008): %w", hal.ErrUnsupported)
}

// pinError classifies a failed exchange. A rejection from the daemon
// means the channel is healthy and the single operation was refused;
// only transport failures become channel faults.
func pinError(op string, pin int, err error) error {
	var de *daemonError
	if errors.As(err, &de) {
		return fmt.Errorf("%s pin %d: %w", op, pin, err)
	}
	return &hal.FaultError{Op: op, Pin: pin, Err: err}
}

func (b *Backend) session() (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil, hal.ErrNotConnected
	}
	return b.sess, nil
}
