package rpigpio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benchrig/labboard/internal/hal"
)

// fakeDriver implements pinDriver in memory.
type fakeDriver struct {
	mu     sync.Mutex
	name   string
	closed bool
	levels map[int]bool
	calls  []string
}

func newFakeDriver(name string) *fakeDriver {
	return &fakeDriver{name: name, levels: make(map[int]bool)}
}

func (f *fakeDriver) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDriver) SetInput(pin int, mode hal.PinMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("input")
	return nil
}

func (f *fakeDriver) SetOutput(pin int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("output")
	return nil
}

func (f *fakeDriver) Write(pin int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write")
	f.levels[pin] = high
	return nil
}

func (f *fakeDriver) Read(pin int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin], nil
}

func (f *fakeDriver) WritePWM(pin, duty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pwm")
	return nil
}

func (f *fakeDriver) WriteServoPulse(pin, pulseUs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("servo")
	return nil
}

func (f *fakeDriver) setLevel(pin int, high bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[pin] = high
}

func TestProbeChainFirstSuccessWins(t *testing.T) {
	second := newFakeDriver("second")
	var probed []string
	b := newWithProbes([]probe{
		{name: "first", open: func() (pinDriver, error) {
			probed = append(probed, "first")
			return nil, errors.New("not on this machine")
		}},
		{name: "second", open: func() (pinDriver, error) {
			probed = append(probed, "second")
			return second, nil
		}},
	}, nil)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Disconnect(context.Background())

	if len(probed) != 2 || probed[0] != "first" || probed[1] != "second" {
		t.Fatalf("probe order = %v, want first then second", probed)
	}
	if got := b.Name(); got != "gpio:second" {
		t.Fatalf("Name = %q, want gpio:second", got)
	}
}

func TestConnectFoldsAllProbeFailures(t *testing.T) {
	b := newWithProbes([]probe{
		{name: "periph", open: func() (pinDriver, error) {
			return nil, errors.New("host init failed")
		}},
		{name: "rpio", open: func() (pinDriver, error) {
			return nil, errors.New("/dev/gpiomem missing")
		}},
	}, nil)

	err := b.Connect(context.Background())
	var ce *hal.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a *hal.ConnectError", err)
	}
	for _, frag := range []string{"periph", "host init failed", "rpio", "/dev/gpiomem missing"} {
		if !strings.Contains(ce.Diagnosis, frag) {
			t.Errorf("diagnosis %q is missing %q", ce.Diagnosis, frag)
		}
	}
}

func connectedFake(t *testing.T) (*Backend, *fakeDriver) {
	t.Helper()
	drv := newFakeDriver("fake")
	b := newWithProbes([]probe{
		{name: "fake", open: func() (pinDriver, error) { return drv, nil }},
	}, nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { b.Disconnect(context.Background()) })
	return b, drv
}

func TestOutputCalls(t *testing.T) {
	b, drv := connectedFake(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 18, hal.ModeOutput, hal.TypePWM); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteAnalog(ctx, 18, 128); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteServoPulse(ctx, 18, 1500); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteDigital(ctx, 18, true); err != nil {
		t.Fatal(err)
	}

	drv.mu.Lock()
	calls := append([]string(nil), drv.calls...)
	drv.mu.Unlock()
	want := []string{"output", "pwm", "servo", "write"}
	if len(calls) != len(want) {
		t.Fatalf("driver calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("driver calls = %v, want %v", calls, want)
		}
	}
}

func TestPollLoopEmitsTransitions(t *testing.T) {
	b, drv := connectedFake(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 17, hal.ModeInput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}

	// The level at configure time is the baseline; only changes after
	// that surface as events.
	drv.setLevel(17, true)
	select {
	case ev := <-b.Events():
		if ev.Pin != 17 || ev.Value != 1 {
			t.Fatalf("event = %+v, want pin 17 value 1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event for rising level")
	}

	drv.setLevel(17, false)
	select {
	case ev := <-b.Events():
		if ev.Pin != 17 || ev.Value != 0 {
			t.Fatalf("event = %+v, want pin 17 value 0", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event for falling level")
	}

	// A steady level emits nothing further.
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestReleaseStopsWatching(t *testing.T) {
	b, drv := connectedFake(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 17, hal.ModeInput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}
	if err := b.ReleasePin(ctx, 17); err != nil {
		t.Fatal(err)
	}

	drv.setLevel(17, true)
	select {
	case ev := <-b.Events():
		t.Fatalf("released pin still emits events: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestAnalogUnsupported(t *testing.T) {
	b, _ := connectedFake(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 17, hal.ModeInput, hal.TypeAnalog); !errors.Is(err, hal.ErrUnsupported) {
		t.Fatalf("analog configure = %v, want ErrUnsupported", err)
	}
	if _, err := b.ReadAnalog(ctx, 17); !errors.Is(err, hal.ErrUnsupported) {
		t.Fatalf("ReadAnalog = %v, want ErrUnsupported", err)
	}
}

func TestReconnectReplacesDriver(t *testing.T) {
	var drivers []*fakeDriver
	b := newWithProbes([]probe{
		{name: "fake", open: func() (pinDriver, error) {
			d := newFakeDriver("fake")
			drivers = append(drivers, d)
			return d, nil
		}},
	}, nil)
	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Disconnect(ctx)

	if err := b.ConfigurePin(ctx, 5, hal.ModeOutput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}
	if err := b.ConfigurePin(ctx, 17, hal.ModeInput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}

	if err := b.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(drivers) != 2 {
		t.Fatalf("opened %d drivers, want 2", len(drivers))
	}
	drivers[0].mu.Lock()
	closed := drivers[0].closed
	drivers[0].mu.Unlock()
	if !closed {
		t.Fatal("reconnect left the previous driver open")
	}

	// Both pin configurations are replayed on the new driver, lowest
	// pin first.
	drivers[1].mu.Lock()
	calls := append([]string(nil), drivers[1].calls...)
	drivers[1].mu.Unlock()
	want := []string{"output", "input"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("driver calls after reconnect = %v, want %v", calls, want)
	}

	// The input keeps reporting through the new driver.
	drivers[1].setLevel(17, true)
	select {
	case ev := <-b.Events():
		if ev.Pin != 17 || ev.Value != 1 {
			t.Fatalf("event = %+v, want pin 17 value 1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event from the replayed input after reconnect")
	}
}

func TestDisconnectClosesDriver(t *testing.T) {
	b, drv := connectedFake(t)

	if err := b.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	drv.mu.Lock()
	closed := drv.closed
	drv.mu.Unlock()
	if !closed {
		t.Fatal("driver left open after disconnect")
	}
	if err := b.WriteDigital(context.Background(), 4, true); !errors.Is(err, hal.ErrNotConnected) {
		t.Fatalf("write after disconnect = %v, want ErrNotConnected", err)
	}
}
