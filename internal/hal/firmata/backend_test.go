package firmata

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benchrig/labboard/internal/hal"
)

// connectedBackend returns a backend connected through an in-memory
// port that already answered the version handshake.
func connectedBackend(t *testing.T) (*Backend, *TestablePort) {
	t.Helper()
	port := NewTestablePort()
	port.FeedRead([]byte{msgProtocolVersion, 2, 5})

	b := NewWithOpener("/dev/ttyTEST", func(path string) (SerialPorter, error) {
		return port, nil
	}, nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		b.Disconnect(context.Background())
	})
	port.ResetWritten()
	return b, port
}

func waitEvent(t *testing.T, ch <-chan hal.PinEvent) hal.PinEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pin event")
		return hal.PinEvent{}
	}
}

func TestConnectHandshake(t *testing.T) {
	port := NewTestablePort()
	port.FeedRead([]byte{msgProtocolVersion, 2, 5})

	b := NewWithOpener("/dev/ttyTEST", func(path string) (SerialPorter, error) {
		return port, nil
	}, nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Disconnect(context.Background())

	if !bytes.Contains(port.Written(), []byte{msgProtocolVersion}) {
		t.Fatalf("handshake never queried the protocol version, wrote %x", port.Written())
	}
}

func TestConnectTimesOutWithoutFirmware(t *testing.T) {
	port := NewTestablePort()
	b := NewWithOpener("/dev/ttyTEST", func(path string) (SerialPorter, error) {
		return port, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := b.Connect(ctx)
	if err == nil {
		t.Fatal("Connect succeeded against a silent port")
	}
	var ce *hal.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a *hal.ConnectError", err)
	}
	if ce.Diagnosis == "" {
		t.Fatal("ConnectError carries no diagnosis")
	}
}

func TestConnectFailsWhenPortCannotOpen(t *testing.T) {
	b := NewWithOpener("/dev/ttyNOPE", func(path string) (SerialPorter, error) {
		return nil, errors.New("no such device")
	}, nil)

	err := b.Connect(context.Background())
	var ce *hal.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a *hal.ConnectError", err)
	}
}

func TestDigitalOutputWireFormat(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 13, hal.ModeOutput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteDigital(ctx, 13, true); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteDigital(ctx, 13, false); err != nil {
		t.Fatal(err)
	}

	want := []byte{
		msgSetPinMode, 13, fpmOutput,
		msgSetDigitalValue, 13, 1,
		msgSetDigitalValue, 13, 0,
	}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("wire bytes = %x, want %x", got, want)
	}
}

func TestPWMWireFormat(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 9, hal.ModeOutput, hal.TypePWM); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteAnalog(ctx, 9, 200); err != nil {
		t.Fatal(err)
	}

	// 200 = 0x48 | 0x01<<7 in two 7-bit data bytes.
	want := []byte{
		msgSetPinMode, 9, fpmPWM,
		msgAnalogMessage | 9, 200 & 0x7F, 200 >> 7,
	}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("wire bytes = %x, want %x", got, want)
	}
}

func TestServoWireFormat(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 9, hal.ModeOutput, hal.TypeServo); err != nil {
		t.Fatal(err)
	}

	// SERVO_CONFIG pins the canonical 500/2500us endpoints before the
	// mode switch.
	want := []byte{
		msgSysexStart, sysexServoConfig, 9,
		500 & 0x7F, 500 >> 7,
		2500 & 0x7F, 2500 >> 7,
		msgSysexEnd,
		msgSetPinMode, 9, fpmServo,
	}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("servo config bytes = %x, want %x", got, want)
	}

	port.ResetWritten()
	if err := b.WriteServoPulse(ctx, 9, 1500); err != nil {
		t.Fatal(err)
	}
	// 1500us is midway, so the firmware sees 90 degrees.
	want = []byte{msgAnalogMessage | 9, 90, 0}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("servo write bytes = %x, want %x", got, want)
	}

	port.ResetWritten()
	if err := b.WriteServoPulse(ctx, 9, 0); err != nil {
		t.Fatal(err)
	}
	// Zero pulse detaches: the pin reverts to a low output.
	want = []byte{msgSetPinMode, 9, fpmOutput, msgSetDigitalValue, 9, 0}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("servo stop bytes = %x, want %x", got, want)
	}
}

func TestPullDownRejected(t *testing.T) {
	b, _ := connectedBackend(t)

	err := b.ConfigurePin(context.Background(), 4, hal.ModeInputPullDown, hal.TypeDigital)
	if !errors.Is(err, hal.ErrUnsupported) {
		t.Fatalf("pull-down config = %v, want ErrUnsupported", err)
	}
}

func TestDigitalInputEvents(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 4, hal.ModeInput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}
	want := []byte{msgSetPinMode, 4, fpmInput, msgReportDigital | 0, 1}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("input config bytes = %x, want %x", got, want)
	}

	// The first port image after reporting starts is the baseline and
	// emits nothing.
	port.FeedRead([]byte{msgDigitalMessage | 0, 0x00, 0x00})
	// Pin 4 going high appears as bit 4 of port 0.
	port.FeedRead([]byte{msgDigitalMessage | 0, 0x10, 0x00})

	ev := waitEvent(t, b.Events())
	if ev.Pin != 4 || ev.Value != 1 {
		t.Fatalf("event = %+v, want pin 4 value 1", ev)
	}

	// A repeated identical image emits nothing; a falling edge does.
	port.FeedRead([]byte{msgDigitalMessage | 0, 0x10, 0x00})
	port.FeedRead([]byte{msgDigitalMessage | 0, 0x00, 0x00})
	ev = waitEvent(t, b.Events())
	if ev.Pin != 4 || ev.Value != 0 {
		t.Fatalf("event = %+v, want pin 4 value 0", ev)
	}
	select {
	case extra := <-b.Events():
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}

	// The mirrored image answers reads without another round trip.
	v, err := b.ReadDigital(ctx, 4)
	if err != nil || v {
		t.Fatalf("ReadDigital = %v/%v, want false", v, err)
	}
}

func TestAnalogInputEvents(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 14, hal.ModeInput, hal.TypeAnalog); err != nil {
		t.Fatal(err)
	}
	want := []byte{msgSetPinMode, 14, fpmAnalog, msgReportAnalog | 0, 1}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("analog config bytes = %x, want %x", got, want)
	}

	// First sample is the baseline; Firmata then repeats samples every
	// reporting interval, and only changes surface as events.
	port.FeedRead([]byte{msgAnalogMessage | 0, 0x00, 0x00})
	port.FeedRead([]byte{msgAnalogMessage | 0, 0x00, 0x00})
	// 512 = 0x00 | 0x04<<7.
	port.FeedRead([]byte{msgAnalogMessage | 0, 0x00, 0x04})

	ev := waitEvent(t, b.Events())
	if ev.Pin != 14 || ev.Value != 512 {
		t.Fatalf("event = %+v, want pin 14 value 512", ev)
	}

	v, err := b.ReadAnalog(ctx, 14)
	if err != nil || v != 512 {
		t.Fatalf("ReadAnalog = %d/%v, want 512", v, err)
	}
}

func TestReadBeforeAnyReport(t *testing.T) {
	b, _ := connectedBackend(t)
	ctx := context.Background()

	if _, err := b.ReadDigital(ctx, 4); !errors.Is(err, hal.ErrNotConfigured) {
		t.Fatalf("ReadDigital with no report = %v, want ErrNotConfigured", err)
	}
	if _, err := b.ReadAnalog(ctx, 14); !errors.Is(err, hal.ErrNotConfigured) {
		t.Fatalf("ReadAnalog with no report = %v, want ErrNotConfigured", err)
	}
}

func TestWriteFailureIsFault(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 13, hal.ModeOutput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}
	port.WriteError = errors.New("serial cable yanked")

	err := b.WriteDigital(ctx, 13, true)
	if !hal.IsFault(err) {
		t.Fatalf("write over broken port = %v, want FaultError", err)
	}
}

func TestWriteDeadlineOnWedgedPort(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 13, hal.ModeOutput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}

	port.HangWrites(true)
	defer port.HangWrites(false)
	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.WriteDigital(wctx, 13, true)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("write against a wedged port took %v", elapsed)
	}
	if !hal.IsFault(err) {
		t.Fatalf("write against a wedged port = %v, want a channel fault", err)
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	var ports []*TestablePort
	b := NewWithOpener("/dev/ttyTEST", func(path string) (SerialPorter, error) {
		p := NewTestablePort()
		p.FeedRead([]byte{msgProtocolVersion, 2, 5})
		ports = append(ports, p)
		return p, nil
	}, nil)
	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Disconnect(ctx)

	if err := b.ConfigurePin(ctx, 4, hal.ModeInput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}

	if err := b.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("opened %d ports, want 2", len(ports))
	}
	if !ports[0].Closed() {
		t.Fatal("reconnect left the previous serial session open")
	}

	// The firmware on the new session lost all pin state, so the input
	// mode and reporting are replayed.
	want := []byte{msgSetPinMode, 4, fpmInput, msgReportDigital | 0, 1}
	if got := ports[1].Written(); !bytes.Contains(got, want) {
		t.Fatalf("new session bytes = %x, want replay of %x", got, want)
	}

	// Events flow from the new session.
	ports[1].FeedRead([]byte{msgDigitalMessage | 0, 0x00, 0x00})
	ports[1].FeedRead([]byte{msgDigitalMessage | 0, 0x10, 0x00})
	ev := waitEvent(t, b.Events())
	if ev.Pin != 4 || ev.Value != 1 {
		t.Fatalf("event = %+v, want pin 4 value 1", ev)
	}
}

func TestOpsAfterDisconnect(t *testing.T) {
	b, _ := connectedBackend(t)
	ctx := context.Background()

	if err := b.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteDigital(ctx, 13, true); !errors.Is(err, hal.ErrNotConnected) {
		t.Fatalf("write after disconnect = %v, want ErrNotConnected", err)
	}
}

// The safe-value sweep on emergency stop must stay bounded even when
// the serial port wedges mid-write.
func TestEmergencyStopBoundedByWedgedPort(t *testing.T) {
	port := NewTestablePort()
	port.FeedRead([]byte{msgProtocolVersion, 2, 5})
	backend := NewWithOpener("/dev/ttyTEST", func(path string) (SerialPorter, error) {
		return port, nil
	}, nil)

	board := hal.NewBoard(hal.BoardConfig{Name: "bench"}, backend, nil)
	ctx := context.Background()
	if err := board.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := board.SetPinMode(ctx, 13, hal.ModeOutput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}

	port.HangWrites(true)
	defer port.HangWrites(false)

	done := make(chan struct{})
	go func() {
		board.EmergencyStop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("emergency stop blocked behind a wedged serial port")
	}
	if got := board.State(); got != hal.StateError {
		t.Fatalf("state after failed safe-value sweep = %v, want %v", got, hal.StateError)
	}
}

func TestReleaseInputDisablesReporting(t *testing.T) {
	b, port := connectedBackend(t)
	ctx := context.Background()

	if err := b.ConfigurePin(ctx, 4, hal.ModeInput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}
	if err := b.ConfigurePin(ctx, 5, hal.ModeInput, hal.TypeDigital); err != nil {
		t.Fatal(err)
	}
	port.ResetWritten()

	// Pin 5 still listens on port 0, so reporting stays on.
	if err := b.ReleasePin(ctx, 4); err != nil {
		t.Fatal(err)
	}
	want := []byte{msgSetPinMode, 4, fpmOutput, msgSetDigitalValue, 4, 0}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("release bytes = %x, want %x", got, want)
	}

	port.ResetWritten()
	if err := b.ReleasePin(ctx, 5); err != nil {
		t.Fatal(err)
	}
	want = []byte{
		msgReportDigital | 0, 0,
		msgSetPinMode, 5, fpmOutput,
		msgSetDigitalValue, 5, 0,
	}
	if got := port.Written(); !bytes.Equal(got, want) {
		t.Fatalf("last release bytes = %x, want %x", got, want)
	}
}
