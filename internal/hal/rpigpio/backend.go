package rpigpio

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benchrig/labboard/internal/hal"
)

// pollInterval is how often watched input pins are sampled. Neither
// driver exposes a cancellable edge wait that fits the session model,
// so inputs are polled the way gpiozero does internally.
const pollInterval = 5 * time.Millisecond

func init() {
	hal.RegisterBackend(hal.BackendKeyPiLocal, func(cfg hal.BoardConfig, logger *log.Logger) (hal.Backend, error) {
		return New(logger), nil
	})
}

type pinConfig struct {
	mode hal.PinMode
	typ  hal.PinType
}

// Backend drives the GPIO header of the machine the process runs on.
type Backend struct {
	logger *log.Logger
	caps   *hal.Capabilities
	events chan hal.PinEvent
	probes []probe

	mu         sync.Mutex
	driver     pinDriver
	driverName string
	pins       map[int]pinConfig
	watched    map[int]bool
	lastLevel  map[int]bool
	pollStop   chan struct{}
	pollDone   chan struct{}
}

// New creates a local GPIO backend using the default driver probe
// chain.
func New(logger *log.Logger) *Backend {
	return newWithProbes(defaultProbes(), logger)
}

func newWithProbes(probes []probe, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	return &Backend{
		logger:    logger,
		caps:      hal.RaspberryPiCapabilities(),
		events:    make(chan hal.PinEvent, 256),
		probes:    probes,
		pins:      make(map[int]pinConfig),
		watched:   make(map[int]bool),
		lastLevel: make(map[int]bool),
	}
}

func (b *Backend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.driverName != "" {
		return "gpio:" + b.driverName
	}
	return "gpio"
}

func (b *Backend) Capabilities() *hal.Capabilities { return b.caps }

func (b *Backend) Events() <-chan hal.PinEvent { return b.events }

// Connect walks the probe chain in order and keeps the first driver
// that opens. All probe failures are folded into the diagnosis so a
// desktop user learns why no driver was usable. A reconnect stops the
// previous poll loop, closes the old driver, and replays surviving
// pin configurations on the new one.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	old := b.driver
	oldStop := b.pollStop
	oldDone := b.pollDone
	b.driver = nil
	b.driverName = ""
	b.pollStop = nil
	b.pollDone = nil
	b.mu.Unlock()
	if oldStop != nil {
		close(oldStop)
		<-oldDone
	}
	if old != nil {
		old.Close()
	}

	var attempts []string
	for _, p := range b.probes {
		d, err := p.open()
		if err != nil {
			attempts = append(attempts, fmt.Sprintf("%s: %v", p.name, err))
			continue
		}

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
			if err := b.applyPin(d, pin, cfg.mode, cfg.typ); err != nil {
				b.logger.Printf("gpio: restoring pin %d after reconnect: %v", pin, err)
			}
		}

		b.mu.Lock()
		b.driver = d
		b.driverName = d.Name()
		stop := make(chan struct{})
		done := make(chan struct{})
		b.pollStop = stop
		b.pollDone = done
		b.mu.Unlock()
		go b.pollLoop(stop, done)
		b.logger.Printf("gpio: using %s driver", d.Name())
		return nil
	}
	return &hal.ConnectError{
		Backend:   "gpio",
		Diagnosis: "no usable GPIO driver: " + strings.Join(attempts, "; "),
	}
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	d := b.driver
	stop := b.pollStop
	done := b.pollDone
	b.driver = nil
	b.driverName = ""
	b.pollStop = nil
	b.pollDone = nil
	b.pins = make(map[int]pinConfig)
	b.watched = make(map[int]bool)
	b.lastLevel = make(map[int]bool)
	b.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if d == nil {
		return nil
	}
	return d.Close()
}

func (b *Backend) ConfigurePin(ctx context.Context, pin int, mode hal.PinMode, typ hal.PinType) error {
	d, err := b.session()
	if err != nil {
		return err
	}
	if err := b.applyPin(d, pin, mode, typ); err != nil {
		return err
	}
	b.mu.Lock()
	b.pins[pin] = pinConfig{mode: mode, typ: typ}
	b.mu.Unlock()
	return nil
}

func (b *Backend) applyPin(d pinDriver, pin int, mode hal.PinMode, typ hal.PinType) error {
	switch {
	case typ == hal.TypeDigital && mode.IsInput():
		if err := d.SetInput(pin, mode); err != nil {
			return &hal.FaultError{Op: "gpio configure", Pin: pin, Err: err}
		}
		level, err := d.Read(pin)
		if err != nil {
			return &hal.FaultError{Op: "gpio configure", Pin: pin, Err: err}
		}
		b.mu.Lock()
		b.watched[pin] = true
		b.lastLevel[pin] = level
		b.mu.Unlock()

	case typ == hal.TypeAnalog:
		return fmt.Errorf("gpio: Raspberry Pi has no ADC: %w", hal.ErrUnsupported)

	default:
		if err := d.SetOutput(pin); err != nil {
			return &hal.FaultError{Op: "gpio configure", Pin: pin, Err: err}
		}
	}
	return nil
}

// ReleasePin parks the pin as a floating input, the header's power-on
// state.
func (b *Backend) ReleasePin(ctx context.Context, pin int) error {
	d, err := b.session()
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.pins, pin)
	delete(b.watched, pin)
	delete(b.lastLevel, pin)
	b.mu.Unlock()
	if err := d.SetInput(pin, hal.ModeInput); err != nil {
		return &hal.FaultError{Op: "gpio release", Pin: pin, Err: err}
	}
	return nil
}

func (b *Backend) WriteDigital(ctx context.Context, pin int, value bool) error {
	d, err := b.session()
	if err != nil {
		return err
	}
	if err := d.Write(pin, value); err != nil {
		return &hal.FaultError{Op: "gpio write", Pin: pin, Err: err}
	}
	return nil
}

func (b *Backend) WriteAnalog(ctx context.Context, pin int, value int) error {
	d, err := b.session()
	if err != nil {
		return err
	}
	if err := d.WritePWM(pin, value); err != nil {
		return &hal.FaultError{Op: "gpio pwm", Pin: pin, Err: err}
	}
	return nil
}

func (b *Backend) WriteServoPulse(ctx context.Context, pin int, pulseUs int) error {
	d, err := b.session()
	if err != nil {
		return err
	}
	if err := d.WriteServoPulse(pin, pulseUs); err != nil {
		return &hal.FaultError{Op: "gpio servo", Pin: pin, Err: err}
	}
	return nil
}

func (b *Backend) ReadDigital(ctx context.Context, pin int) (bool, error) {
	d, err := b.session()
	if err != nil {
		return false, err
	}
	v, err := d.Read(pin)
	if err != nil {
		return false, &hal.FaultError{Op: "gpio read", Pin: pin, Err: err}
	}
	return v, nil
}

// ReadAnalog fails: the Pi has no built-in ADC.
func (b *Backend) ReadAnalog(ctx context.Context, pin int) (int, error) {
	return 0, fmt.Errorf("gpio: Raspberry Pi has no ADC (use an external one such as an MCP3008): %w", hal.ErrUnsupported)
}

// pollLoop samples every watched input and emits an event per level
// change. It owns lastLevel updates for watched pins.
func (b *Backend) pollLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		d := b.driver
		pins := make([]int, 0, len(b.watched))
		for pin := range b.watched {
			pins = append(pins, pin)
		}
		b.mu.Unlock()
		if d == nil {
			return
		}

		for _, pin := range pins {
			level, err := d.Read(pin)
			if err != nil {
				continue
			}
			b.mu.Lock()
			prev, known := b.lastLevel[pin]
			b.lastLevel[pin] = level
			b.mu.Unlock()
			if known && prev == level {
				continue
			}
			if !known {
				continue
			}
			value := 0
			if level {
				value = 1
			}
			select {
			case b.events <- hal.PinEvent{Pin: pin, Value: value, Timestamp: time.Now()}:
			case <-stop:
				return
			}
		}
	}
}

func (b *Backend) session() (pinDriver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.driver == nil {
		return nil, hal.ErrNotConnected
	}
	return b.driver, nil
}
