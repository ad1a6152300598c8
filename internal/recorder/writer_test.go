package recorder

import (
	"bytes"
	"encoding/csv"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer lets the test read what the writer goroutine has emitted
// so far without racing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriterDrainsQueue(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterConfig{})
	w.Start()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		ok := w.Enqueue(Event{
			BoardID:   "board-a",
			Pin:       4,
			Value:     i % 2,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
		if !ok {
			t.Fatalf("event %d dropped with an empty queue", i)
		}
	}
	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	written, dropped := w.Stats()
	if written != 10 || dropped != 0 {
		t.Fatalf("stats = %d written / %d dropped, want 10/0", written, dropped)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(records) != 11 {
		t.Fatalf("output has %d rows, want header + 10", len(records))
	}
	if got := strings.Join(records[0], ","); got != "board_id,pin,value,timestamp" {
		t.Fatalf("header = %q", got)
	}
	if records[1][0] != "board-a" || records[1][1] != "4" || records[1][2] != "0" {
		t.Fatalf("first row = %v", records[1])
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	var buf bytes.Buffer
	// A writer that is never started drains nothing, so the queue
	// fills and overflow is dropped.
	w := NewWriter(&buf, WriterConfig{MaxQueue: 4})

	accepted := 0
	for i := 0; i < 10; i++ {
		if w.Enqueue(Event{BoardID: "b", Pin: 1, Value: i, Timestamp: time.Now()}) {
			accepted++
		}
	}
	if accepted != 4 {
		t.Fatalf("accepted %d events into a queue of 4", accepted)
	}
	if _, dropped := w.Stats(); dropped != 6 {
		t.Fatalf("dropped = %d, want 6", dropped)
	}

	// Queued events still land once the writer runs.
	w.Start()
	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if written, _ := w.Stats(); written != 4 {
		t.Fatalf("written = %d, want 4", written)
	}
}

func TestStopWithoutStart(t *testing.T) {
	w := NewWriter(&bytes.Buffer{}, WriterConfig{})
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("Stop on unstarted writer: %v", err)
	}
}

func TestRowsVisibleWhileRunning(t *testing.T) {
	var buf syncBuffer
	w := NewWriter(&buf, WriterConfig{})
	w.Start()
	defer w.Stop(2 * time.Second)

	w.Enqueue(Event{BoardID: "board-a", Pin: 4, Value: 1, Timestamp: time.Now()})

	// Followers tail the stream live, so the row must appear without
	// waiting for Stop.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "board-a") {
		if time.Now().After(deadline) {
			t.Fatalf("row never flushed while running; output so far: %q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopTwice(t *testing.T) {
	w := NewWriter(&bytes.Buffer{}, WriterConfig{})
	w.Start()
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
