// Package recorder persists pin events for later analysis: a CSV
// writer that decouples disk I/O from event delivery through a
// bounded queue, and a sqlite store for queryable history. Callbacks
// must never block, so the writer accepts or drops immediately and a
// dedicated goroutine does the writing.
package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"
)

// Event is one recorded pin transition.
type Event struct {
	BoardID   string
	Pin       int
	Value     int
	Timestamp time.Time
}

// DefaultMaxQueue bounds the writer's buffer; at a 5ms input poll this
// absorbs a burst of a second or two.
const DefaultMaxQueue = 256

// WriterConfig configures a Writer.
type WriterConfig struct {
	// MaxQueue is the queue capacity; DefaultMaxQueue if zero.
	MaxQueue int
	// Logger is optional; if nil, uses log.Default().
	Logger *log.Logger
}

// Writer drains a bounded event queue onto a CSV stream from its own
// goroutine. Enqueue never blocks: when the queue is full the event
// is dropped and counted.
type Writer struct {
	csv    *csv.Writer
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *log.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	written int
	dropped int
}

// NewWriter creates a writer emitting CSV rows to w. The header row is
// written on Start.
func NewWriter(w io.Writer, cfg WriterConfig) *Writer {
	maxQueue := cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Writer{
		csv:    csv.NewWriter(w),
		queue:  make(chan Event, maxQueue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the writer goroutine. Calling Start twice is a no-op.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// Enqueue queues an event for writing. It reports false if the queue
// was full and the event dropped.
func (w *Writer) Enqueue(ev Event) bool {
	select {
	case w.queue <- ev:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		return false
	}
}

// Stop signals the writer goroutine, drains whatever is queued, and
// waits up to timeout for it to finish.
func (w *Writer) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stop)
	select {
	case <-w.done:
	case <-time.After(timeout):
		return fmt.Errorf("recorder: writer did not finish within %v", timeout)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped > 0 {
		w.logger.Printf("recorder: %d events dropped due to full buffer", w.dropped)
	}
	w.logger.Printf("recorder: %d events written", w.written)
	return nil
}

// Stats returns the written and dropped counts so far.
func (w *Writer) Stats() (written, dropped int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.dropped
}

func (w *Writer) run() {
	defer close(w.done)
	w.csv.Write([]string{"board_id", "pin", "value", "timestamp"})
	w.csv.Flush()

	for {
		select {
		case <-w.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-w.queue:
					w.writeEvent(ev)
				default:
					return
				}
			}
		case ev := <-w.queue:
			w.writeEvent(ev)
		}
	}
}

// writeEvent emits one row and flushes it through, so a follower
// tailing the file sees events as they happen rather than on shutdown.
func (w *Writer) writeEvent(ev Event) {
	err := w.csv.Write([]string{
		ev.BoardID,
		strconv.Itoa(ev.Pin),
		strconv.Itoa(ev.Value),
		ev.Timestamp.Format(time.RFC3339Nano),
	})
	if err == nil {
		w.csv.Flush()
		err = w.csv.Error()
	}
	if err != nil {
		w.logger.Printf("recorder: write failed: %v", err)
		return
	}
	w.mu.Lock()
	w.written++
	w.mu.Unlock()
}
