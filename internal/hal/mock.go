package hal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockBackend implements Backend in memory, with scriptable failures
// and call-order recording. It backs the mock board type in dev mode
// and most of the facade tests.
type MockBackend struct {
	caps   *Capabilities
	events chan PinEvent

	mu          sync.Mutex
	connected   bool
	connectErrs []error
	pinErrs     map[int]error
	pins        map[int]*mockPin
	ops         []MockOp
}

type mockPin struct {
	mode  PinMode
	typ   PinType
	level int
}

// MockOp records one backend call in issue order.
type MockOp struct {
	Op    string
	Pin   int
	Value int
}

// NewMockBackend creates a mock backend with the permissive mock
// capability table.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		caps:    MockCapabilities(),
		events:  make(chan PinEvent, 256),
		pinErrs: make(map[int]error),
		pins:    make(map[int]*mockPin),
	}
}

// QueueConnectError makes the next Connect call fail with err. Queued
// errors are consumed in order; once drained, Connect succeeds.
func (m *MockBackend) QueueConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs = append(m.connectErrs, err)
}

// FailPin makes every subsequent operation on the pin return err.
// Passing a *FaultError simulates a channel-level failure; a plain
// error simulates a rejected request. Passing nil clears the failure.
func (m *MockBackend) FailPin(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.pinErrs, pin)
		return
	}
	m.pinErrs[pin] = err
}

// SetInput simulates a hardware transition on an input pin. Events are
// emitted only when the level actually changes, matching how real
// backends report edges.
func (m *MockBackend) SetInput(pin, value int) {
	m.mu.Lock()
	p, ok := m.pins[pin]
	if ok && p.level == value {
		m.mu.Unlock()
		return
	}
	if ok {
		p.level = value
	}
	m.mu.Unlock()
	m.events <- PinEvent{Pin: pin, Value: value, Timestamp: time.Now()}
}

// Ops returns a snapshot of all recorded backend calls in issue order.
func (m *MockBackend) Ops() []MockOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockOp, len(m.ops))
	copy(out, m.ops)
	return out
}

// OpsFor returns the recorded calls touching one pin, in issue order.
func (m *MockBackend) OpsFor(pin int) []MockOp {
	var out []MockOp
	for _, op := range m.Ops() {
		if op.Pin == pin {
			out = append(out, op)
		}
	}
	return out
}

// ClearOps discards the recorded call history.
func (m *MockBackend) ClearOps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = nil
}

func (m *MockBackend) record(op string, pin, value int) {
	m.ops = append(m.ops, MockOp{Op: op, Pin: pin, Value: value})
}

func (m *MockBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("connect", -1, 0)
	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		return &ConnectError{Backend: "mock", Diagnosis: "scripted connect failure", Err: err}
	}
	m.connected = true
	return nil
}

func (m *MockBackend) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("disconnect", -1, 0)
	m.connected = false
	m.pins = make(map[int]*mockPin)
	return nil
}

func (m *MockBackend) ConfigurePin(ctx context.Context, pin int, mode PinMode, typ PinType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("configure", pin, int(mode))
	if err := m.pinErr(pin); err != nil {
		return err
	}
	if !m.connected {
		return errors.New("mock: not connected")
	}
	m.pins[pin] = &mockPin{mode: mode, typ: typ}
	return nil
}

func (m *MockBackend) ReleasePin(ctx context.Context, pin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("release", pin, 0)
	if err := m.pinErr(pin); err != nil {
		return err
	}
	delete(m.pins, pin)
	return nil
}

func (m *MockBackend) WriteDigital(ctx context.Context, pin int, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("write_digital", pin, boolValue(value))
	if err := m.pinErr(pin); err != nil {
		return err
	}
	if p, ok := m.pins[pin]; ok {
		p.level = boolValue(value)
	}
	return nil
}

func (m *MockBackend) WriteAnalog(ctx context.Context, pin int, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("write_analog", pin, value)
	if err := m.pinErr(pin); err != nil {
		return err
	}
	if p, ok := m.pins[pin]; ok {
		p.level = value
	}
	return nil
}

func (m *MockBackend) WriteServoPulse(ctx context.Context, pin int, pulseUs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("write_servo", pin, pulseUs)
	if err := m.pinErr(pin); err != nil {
		return err
	}
	if p, ok := m.pins[pin]; ok {
		p.level = pulseUs
	}
	return nil
}

func (m *MockBackend) ReadDigital(ctx context.Context, pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("read_digital", pin, 0)
	if err := m.pinErr(pin); err != nil {
		return false, err
	}
	p, ok := m.pins[pin]
	if !ok {
		return false, fmt.Errorf("mock pin %d: %w", pin, ErrNotConfigured)
	}
	return p.level != 0, nil
}

func (m *MockBackend) ReadAnalog(ctx context.Context, pin int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("read_analog", pin, 0)
	if err := m.pinErr(pin); err != nil {
		return 0, err
	}
	p, ok := m.pins[pin]
	if !ok {
		return 0, fmt.Errorf("mock pin %d: %w", pin, ErrNotConfigured)
	}
	return p.level, nil
}

func (m *MockBackend) Capabilities() *Capabilities { return m.caps }

func (m *MockBackend) Events() <-chan PinEvent { return m.events }

func (m *MockBackend) Name() string { return "mock" }

// pinErr is called with m.mu held.
func (m *MockBackend) pinErr(pin int) error {
	if err, ok := m.pinErrs[pin]; ok {
		return err
	}
	return nil
}
