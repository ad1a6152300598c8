package firmata

import (
	"bytes"
	"errors"
	"sync"
)

// TestablePort implements SerialPorter in memory with blocking reads
// and injectable errors, so protocol behaviour can be exercised
// without hardware.
type TestablePort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error

	hangWrites bool
	closed     bool
}

// NewTestablePort creates an empty in-memory port. Reads block until
// data is fed in or the port is closed.
func NewTestablePort() *TestablePort {
	p := &TestablePort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.readBuf.Read(buf)
}

func (p *TestablePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.hangWrites && !p.closed {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.writeBuf.Write(buf)
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// FeedRead queues bytes for subsequent Read calls and wakes a blocked
// reader, simulating traffic from the board.
func (p *TestablePort) FeedRead(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Signal()
}

// Written returns a copy of everything written to the port so far.
func (p *TestablePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, p.writeBuf.Len())
	copy(out, p.writeBuf.Bytes())
	return out
}

// ResetWritten clears the captured write stream.
func (p *TestablePort) ResetWritten() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeBuf.Reset()
}

// HangWrites makes Write block, simulating a wedged serial port.
// Blocked writers are released when the port is closed.
func (p *TestablePort) HangWrites(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangWrites = v
	p.readCond.Broadcast()
}

// Closed reports whether the port has been closed.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
