// Package pigpiod implements the remote GPIO backend: a client for
// the pigpio daemon's TCP socket interface on a Raspberry Pi. The
// daemon imposes its own fixed binary protocol, spoken here directly
// over net.Conn: commands are four little-endian uint32 words on one
// connection, input notifications arrive as 12-byte reports on a
// second one.
package pigpiod

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benchrig/labboard/internal/hal"
)

// pigpiod command codes.
const (
	cmdModes = 0
	cmdPUD   = 2
	cmdRead  = 3
	cmdWrite = 4
	cmdPWM   = 5
	cmdServo = 8
	cmdBR1   = 10
	cmdNB    = 19
	cmdNC    = 21
	cmdPIGPV = 26
	cmdNOIB  = 99
)

// pigpiod parameter values.
const (
	modeInput  = 0
	modeOutput = 1

	pudOff  = 0
	pudDown = 1
	pudUp   = 2
)

// Notification report flags; flagged reports are not level samples.
const (
	ntfyFlagWatchdog = 1 << 5
	ntfyFlagAlive    = 1 << 6
	ntfyFlagEvent    = 1 << 7
)

// DefaultPort is the TCP port pigpiod listens on.
const DefaultPort = "8888"

// daemonError is a per-operation rejection from the daemon itself: the
// connection is healthy but the request was refused (bad GPIO, bad
// mode, bad level). Distinct from transport failures, which the
// backend wraps as hal.FaultError.
type daemonError struct {
	cmd  uint32
	code int32
}

func (e *daemonError) Error() string {
	return fmt.Sprintf("pigpiod command %d rejected with code %d", e.cmd, e.code)
}

// conn wraps one command connection. Every exchange is a 16-byte
// request followed by a 16-byte response whose last word is the
// result; a negative result is a daemon-side error code.
type conn struct {
	mu sync.Mutex
	c  net.Conn
}

// command runs one request/response exchange. A ctx deadline becomes
// the socket deadline, so a wedged daemon cannot hold the caller past
// its budget.
func (pc *conn) command(ctx context.Context, cmd, p1, p2 uint32) (int32, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		pc.c.SetDeadline(dl)
		defer pc.c.SetDeadline(time.Time{})
	}

	var req [16]byte
	binary.LittleEndian.PutUint32(req[0:], cmd)
	binary.LittleEndian.PutUint32(req[4:], p1)
	binary.LittleEndian.PutUint32(req[8:], p2)
	if _, err := pc.c.Write(req[:]); err != nil {
		return 0, fmt.Errorf("pigpiod command %d: %w", cmd, err)
	}

	var res [16]byte
	if _, err := io.ReadFull(pc.c, res[:]); err != nil {
		return 0, fmt.Errorf("pigpiod command %d response: %w", cmd, err)
	}
	result := int32(binary.LittleEndian.Uint32(res[12:]))
	if result < 0 && cmd != cmdPIGPV && cmd != cmdBR1 && cmd != cmdNOIB {
		return result, &daemonError{cmd: cmd, code: result}
	}
	return result, nil
}

func (pc *conn) close() error { return pc.c.Close() }

// session is one live connection pair plus the notification reader.
type session struct {
	cmd     *conn
	notify  net.Conn
	handle  uint32
	eventCh chan<- hal.PinEvent
	done    chan struct{}

	mu        sync.Mutex
	watchBits uint32
	lastLevel uint32
	closed    bool
}

// watch adds a pin to the notification bit mask.
func (s *session) watch(ctx context.Context, pin int) error {
	s.mu.Lock()
	s.watchBits |= 1 << uint(pin)
	bits := s.watchBits
	s.mu.Unlock()
	_, err := s.cmd.command(ctx, cmdNB, s.handle, bits)
	return err
}

func (s *session) unwatch(ctx context.Context, pin int) error {
	s.mu.Lock()
	s.watchBits &^= 1 << uint(pin)
	bits := s.watchBits
	s.mu.Unlock()
	_, err := s.cmd.command(ctx, cmdNB, s.handle, bits)
	return err
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	s.cmd.command(ctx, cmdNC, s.handle, 0)
	cancel()
	s.notify.Close()
	return s.cmd.close()
}

// readReports consumes the notification stream, diffing the level
// bank against the previous sample and emitting one event per watched
// pin that changed. Runs on its own goroutine for the session
// lifetime.
func (s *session) readReports() {
	var buf [12]byte
	for {
		if _, err := io.ReadFull(s.notify, buf[:]); err != nil {
			return
		}
		flags := binary.LittleEndian.Uint16(buf[2:])
		if flags&(ntfyFlagWatchdog|ntfyFlagAlive|ntfyFlagEvent) != 0 {
			continue
		}
		level := binary.LittleEndian.Uint32(buf[8:])
		now := time.Now()

		s.mu.Lock()
		diff := (s.lastLevel ^ level) & s.watchBits
		s.lastLevel = level
		s.mu.Unlock()
		if diff == 0 {
			continue
		}

		for pin := 0; pin < 32; pin++ {
			if diff&(1<<uint(pin)) == 0 {
				continue
			}
			value := 0
			if level&(1<<uint(pin)) != 0 {
				value = 1
			}
			select {
			case s.eventCh <- hal.PinEvent{Pin: pin, Value: value, Timestamp: now}:
			case <-s.done:
				return
			}
		}
	}
}

// dialSession establishes the command and notification connections,
// verifies the daemon with a version query, registers the
// notification handle, and seeds the level bank.
func dialSession(ctx context.Context, addr string, events chan<- hal.PinEvent) (*session, error) {
	var dialer net.Dialer

	cmdNet, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cmd := &conn{c: cmdNet}

	if _, err := cmd.command(ctx, cmdPIGPV, 0, 0); err != nil {
		cmd.close()
		return nil, fmt.Errorf("version handshake: %w", err)
	}

	notifyNet, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		cmd.close()
		return nil, err
	}
	notifyConn := &conn{c: notifyNet}
	handle, err := notifyConn.command(ctx, cmdNOIB, 0, 0)
	if err != nil || handle < 0 {
		notifyNet.Close()
		cmd.close()
		return nil, fmt.Errorf("notification handle: %v (code %d)", err, handle)
	}

	level, err := cmd.command(ctx, cmdBR1, 0, 0)
	if err != nil {
		notifyNet.Close()
		cmd.close()
		return nil, fmt.Errorf("reading level bank: %w", err)
	}

	s := &session{
		cmd:       cmd,
		notify:    notifyNet,
		handle:    uint32(handle),
		eventCh:   events,
		done:      make(chan struct{}),
		lastLevel: uint32(level),
	}
	go s.readReports()
	return s, nil
}
