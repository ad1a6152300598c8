package hal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// connectTimeout bounds a single connection attempt.
	connectTimeout = 10 * time.Second

	// resetPinTimeout bounds each per-pin safe-value write during
	// emergency stop and disconnect. A hung backend call must never
	// block the stop sequence indefinitely.
	resetPinTimeout = 500 * time.Millisecond

	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// PinAssignment is the per-pin runtime record: the current mode and
// type plus the last value observed or written. Owned exclusively by
// the board; the last value slot is additionally written by the
// dispatch goroutine under the board lock.
type PinAssignment struct {
	Pin  int
	Mode PinMode
	Type PinType

	lastValue int
	hasValue  bool
}

// Callback observes input transitions on one pin. Callbacks run on the
// board's single dispatch goroutine, never on a backend thread, so
// observer code never races the consumer's own logic. Long blocking
// work inside a callback stalls delivery for the whole board.
type Callback func(pin int, value int, ts time.Time)

// CallbackID identifies one callback registration for unregistration.
type CallbackID int

// Board is the public HAL facade: pin configuration, read/write,
// callbacks, emergency stop and serialization over one backend. All
// methods are safe for concurrent use; operations issued against the
// same pin apply in issue order.
type Board struct {
	backend Backend
	logger  *log.Logger

	mu          sync.Mutex
	cfg         BoardConfig
	state       ConnState
	assignments map[int]*PinAssignment

	// opMu serializes backend channel operations so same-pin writes
	// are observed by the hardware in issue order.
	opMu sync.Mutex

	cbMu      sync.Mutex
	nextCbID  CallbackID
	callbacks map[int]map[CallbackID]Callback

	dispatchStop chan struct{}
	dispatchDone chan struct{}

	reconnectStop chan struct{}
	reconnectDone chan struct{}

	// reconnectDelay seeds the retry backoff; tests shrink it.
	reconnectDelay time.Duration
}

// NewBoard wraps a backend in the HAL facade. A nil logger falls back
// to log.Default(). A missing config ID is generated so the board
// round-trips through persistence with stable identity.
func NewBoard(cfg BoardConfig, backend Backend, logger *log.Logger) *Board {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = backend.Capabilities().Name
	}
	return &Board{
		backend:        backend,
		logger:         logger,
		cfg:            cfg,
		state:          StateDisconnected,
		assignments:    make(map[int]*PinAssignment),
		callbacks:      make(map[int]map[CallbackID]Callback),
		reconnectDelay: reconnectInitialDelay,
	}
}

// ID returns the board's stable identifier.
func (b *Board) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.ID
}

// State returns the current connection state.
func (b *Board) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Capabilities returns the backend's immutable pin table.
func (b *Board) Capabilities() *Capabilities {
	return b.backend.Capabilities()
}

// Config returns the persisted configuration shape for this board.
func (b *Board) Config() BoardConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Connect establishes the backend channel and moves the board to
// StateConnected. Calling Connect on an already connected board is a
// no-op; a concurrent attempt returns ErrConnectInProgress.
func (b *Board) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateConnected:
		b.mu.Unlock()
		return nil
	case StateConnecting:
		b.mu.Unlock()
		return ErrConnectInProgress
	}
	b.state = StateConnecting
	b.mu.Unlock()

	// An explicit connect supersedes any background retry loop.
	b.stopReconnect()

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := b.backend.Connect(ctx); err != nil {
		b.mu.Lock()
		b.state = StateError
		auto := b.cfg.AutoReconnect
		b.mu.Unlock()
		b.logger.Printf("board %s: connect failed: %v", b.cfg.ID, err)
		if auto {
			b.startReconnect()
		}
		return err
	}

	b.mu.Lock()
	b.state = StateConnected
	b.startDispatchLocked()
	b.mu.Unlock()
	b.logger.Printf("board %s: connected via %s", b.cfg.ID, b.backend.Name())
	return nil
}

// Disconnect resets every assigned pin to its safe value, releases the
// backend channel and leaves the board in StateDisconnected
// unconditionally, even if resets failed. Any in-flight reconnect loop
// is cancelled first; disconnect always wins.
func (b *Board) Disconnect(ctx context.Context) error {
	b.stopReconnect()

	b.mu.Lock()
	wasUp := b.state == StateConnected || b.state == StateError
	b.mu.Unlock()

	if wasUp {
		b.resetAssignedPins(ctx, "disconnect")
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		if err := b.backend.Disconnect(dctx); err != nil {
			b.logger.Printf("board %s: backend disconnect: %v", b.cfg.ID, err)
		}
		cancel()
	}

	b.stopDispatch()

	b.mu.Lock()
	b.assignments = make(map[int]*PinAssignment)
	b.state = StateDisconnected
	b.mu.Unlock()
	b.logger.Printf("board %s: disconnected", b.cfg.ID)
	return nil
}

// SetPinMode configures a pin, validating it against the board's
// capability table before anything reaches the backend. A prior
// assignment on the pin is released first.
func (b *Board) SetPinMode(ctx context.Context, pin int, mode PinMode, typ PinType) error {
	caps := b.backend.Capabilities()
	if !caps.PinExists(pin) {
		return fmt.Errorf("pin %d does not exist on %s: %w", pin, caps.Name, ErrUnsupported)
	}
	if !caps.Supports(pin, typ) {
		return fmt.Errorf("pin %d does not support %s on %s: %w", pin, typ, caps.Name, ErrUnsupported)
	}
	if typ == TypeAnalog && mode.IsInput() && !caps.SupportsAnalog {
		return fmt.Errorf("%s has no ADC: %w", caps.Name, ErrUnsupported)
	}

	b.mu.Lock()
	if b.state != StateConnected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	prior := b.assignments[pin]
	b.mu.Unlock()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	if prior != nil {
		if err := b.backend.ReleasePin(ctx, pin); err != nil {
			return b.handleFault(err)
		}
		b.mu.Lock()
		delete(b.assignments, pin)
		b.mu.Unlock()
	}

	if err := b.backend.ConfigurePin(ctx, pin, mode, typ); err != nil {
		return b.handleFault(err)
	}

	b.mu.Lock()
	b.assignments[pin] = &PinAssignment{Pin: pin, Mode: mode, Type: typ}
	b.mu.Unlock()
	return nil
}

// Assignment returns a copy of the current assignment for a pin.
func (b *Board) Assignment(pin int) (PinAssignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assignments[pin]
	if !ok {
		return PinAssignment{}, false
	}
	return *a, true
}

// WriteDigital drives a digital output pin high or low.
func (b *Board) WriteDigital(ctx context.Context, pin int, value bool) error {
	if err := b.checkAssigned(pin, TypeDigital, false); err != nil {
		return err
	}
	b.opMu.Lock()
	err := b.backend.WriteDigital(ctx, pin, value)
	b.opMu.Unlock()
	if err != nil {
		return b.handleFault(err)
	}
	b.storeValue(pin, boolValue(value))
	return nil
}

// WriteAnalog writes a PWM duty cycle, clamped to 0-255.
func (b *Board) WriteAnalog(ctx context.Context, pin int, value int) error {
	if err := b.checkAssigned(pin, TypePWM, false); err != nil {
		return err
	}
	value = ClampPWM(value)
	b.opMu.Lock()
	err := b.backend.WriteAnalog(ctx, pin, value)
	b.opMu.Unlock()
	if err != nil {
		return b.handleFault(err)
	}
	b.storeValue(pin, value)
	return nil
}

// WriteServo moves a servo to an angle, clamped to 0-180 degrees. The
// angle is mapped onto the canonical 500-2500us pulse range shared by
// all backends.
func (b *Board) WriteServo(ctx context.Context, pin int, angle int) error {
	if err := b.checkAssigned(pin, TypeServo, false); err != nil {
		return err
	}
	angle = ClampServoAngle(angle)
	b.opMu.Lock()
	err := b.backend.WriteServoPulse(ctx, pin, ServoPulseUs(angle))
	b.opMu.Unlock()
	if err != nil {
		return b.handleFault(err)
	}
	b.storeValue(pin, angle)
	return nil
}

// ReadDigital reads the current level of a digital pin.
func (b *Board) ReadDigital(ctx context.Context, pin int) (bool, error) {
	if err := b.checkAssigned(pin, TypeDigital, true); err != nil {
		return false, err
	}
	b.opMu.Lock()
	v, err := b.backend.ReadDigital(ctx, pin)
	b.opMu.Unlock()
	if err != nil {
		return false, b.handleFault(err)
	}
	b.storeValue(pin, boolValue(v))
	return v, nil
}

// ReadAnalog reads the raw analog value of an analog input pin.
func (b *Board) ReadAnalog(ctx context.Context, pin int) (int, error) {
	if !b.backend.Capabilities().SupportsAnalog {
		return 0, fmt.Errorf("%s has no ADC: %w", b.backend.Capabilities().Name, ErrUnsupported)
	}
	if err := b.checkAssigned(pin, TypeAnalog, true); err != nil {
		return 0, err
	}
	b.opMu.Lock()
	v, err := b.backend.ReadAnalog(ctx, pin)
	b.opMu.Unlock()
	if err != nil {
		return 0, b.handleFault(err)
	}
	b.storeValue(pin, v)
	return v, nil
}

// LastValue returns the mirrored last known value for a pin: the most
// recent write, read, or delivered input transition.
func (b *Board) LastValue(pin int) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assignments[pin]
	if !ok || !a.hasValue {
		return 0, false
	}
	return a.lastValue, true
}

// RegisterCallback registers an observer for input transitions on a
// pin. Multiple observers per pin are supported; they run in
// registration order on the dispatch goroutine.
func (b *Board) RegisterCallback(pin int, fn Callback) CallbackID {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.nextCbID++
	id := b.nextCbID
	if b.callbacks[pin] == nil {
		b.callbacks[pin] = make(map[CallbackID]Callback)
	}
	b.callbacks[pin][id] = fn
	return id
}

// UnregisterCallback removes a registration. Safe to call with an
// unknown or already removed ID, including mid-teardown.
func (b *Board) UnregisterCallback(pin int, id CallbackID) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	if set, ok := b.callbacks[pin]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.callbacks, pin)
		}
	}
}

// EmergencyStop drives every output-assigned pin to its safe value:
// digital low, zero duty, zero pulse width. Each pin reset carries its
// own timeout and per-pin errors are logged, never propagated, so one
// failing pin cannot prevent the rest from being reset. If the channel
// itself has failed the board transitions to StateError.
func (b *Board) EmergencyStop(ctx context.Context) {
	failures := b.resetAssignedPins(ctx, "emergency stop")
	if failures > 0 {
		b.logger.Printf("board %s: emergency stop completed with %d pin failures", b.cfg.ID, failures)
	}
}

// resetAssignedPins is the single safe-state routine shared by
// Disconnect and EmergencyStop. Pins are visited in ascending order,
// each with its own bounded timeout; failures are logged and counted,
// not raised. If any failure is channel-level the board is marked
// faulted.
func (b *Board) resetAssignedPins(ctx context.Context, reason string) int {
	b.mu.Lock()
	pins := make([]int, 0, len(b.assignments))
	byPin := make(map[int]PinAssignment, len(b.assignments))
	for pin, a := range b.assignments {
		pins = append(pins, pin)
		byPin[pin] = *a
	}
	b.mu.Unlock()
	sort.Ints(pins)

	ctx = context.WithoutCancel(ctx)

	var failures int
	var sawFault bool
	for _, pin := range pins {
		a := byPin[pin]
		pctx, cancel := context.WithTimeout(ctx, resetPinTimeout)
		var err error
		attempted := true
		b.opMu.Lock()
		switch {
		case a.Type == TypePWM:
			err = b.backend.WriteAnalog(pctx, pin, 0)
		case a.Type == TypeServo:
			err = b.backend.WriteServoPulse(pctx, pin, 0)
		case a.Mode == ModeOutput:
			err = b.backend.WriteDigital(pctx, pin, false)
		default:
			attempted = false
		}
		b.opMu.Unlock()
		cancel()
		if !attempted {
			continue
		}
		if err != nil {
			failures++
			if IsFault(err) || errors.Is(err, context.DeadlineExceeded) {
				sawFault = true
			}
			b.logger.Printf("board %s: %s: reset pin %d: %v", b.cfg.ID, reason, pin, err)
			continue
		}
		b.storeValue(pin, 0)
	}

	if sawFault && reason != "disconnect" {
		b.markFaulted()
	}
	return failures
}

// checkAssigned verifies connection state and that the pin carries an
// assignment compatible with the requested operation kind.
func (b *Board) checkAssigned(pin int, typ PinType, read bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnected {
		return ErrNotConnected
	}
	a, ok := b.assignments[pin]
	if !ok {
		return fmt.Errorf("pin %d: %w", pin, ErrNotConfigured)
	}
	if a.Type != typ {
		return fmt.Errorf("pin %d is %s, not %s: %w", pin, a.Type, typ, ErrNotConfigured)
	}
	if !read && a.Mode != ModeOutput {
		return fmt.Errorf("pin %d is not an output: %w", pin, ErrNotConfigured)
	}
	return nil
}

func (b *Board) storeValue(pin, value int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.assignments[pin]; ok {
		a.lastValue = value
		a.hasValue = true
	}
}

// handleFault inspects an operation error: channel-level faults and
// timeouts move the board to StateError and start the reconnect loop
// when enabled. Plain rejections pass through untouched.
func (b *Board) handleFault(err error) error {
	if err == nil {
		return nil
	}
	if IsFault(err) || errors.Is(err, context.DeadlineExceeded) {
		b.markFaulted()
	}
	return err
}

func (b *Board) markFaulted() {
	b.mu.Lock()
	if b.state != StateConnected && b.state != StateError {
		b.mu.Unlock()
		return
	}
	already := b.state == StateError
	b.state = StateError
	auto := b.cfg.AutoReconnect
	b.mu.Unlock()
	if !already {
		b.logger.Printf("board %s: I/O fault, state now error", b.cfg.ID)
	}
	if auto {
		b.startReconnect()
	}
}

func boolValue(v bool) int {
	if v {
		return 1
	}
	return 0
}
