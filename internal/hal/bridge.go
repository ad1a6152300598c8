package hal

import "sort"

// The callback bridge: backend goroutines detect input transitions and
// put them on the backend's event channel; one dispatch goroutine per
// board drains that channel, mirrors the value into the assignment
// record, and invokes observers. All observer code therefore runs on a
// single goroutine, in per-pin FIFO order, never on a backend thread.

// startDispatchLocked starts the dispatch goroutine if it is not
// already running. Caller holds b.mu.
func (b *Board) startDispatchLocked() {
	if b.dispatchDone != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	b.dispatchStop = stop
	b.dispatchDone = done
	go b.dispatchLoop(stop, done)
}

// stopDispatch halts event delivery and waits for the in-flight
// callback, if any, to return.
func (b *Board) stopDispatch() {
	b.mu.Lock()
	stop := b.dispatchStop
	done := b.dispatchDone
	b.dispatchStop = nil
	b.dispatchDone = nil
	b.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (b *Board) dispatchLoop(stop, done chan struct{}) {
	defer close(done)
	events := b.backend.Events()
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			b.deliver(ev)
		}
	}
}

// deliver mirrors the event value into the pin assignment, then runs
// the observers registered for the pin. The value write happens under
// the board lock; observer invocation happens with no locks held so an
// observer may freely call back into the board.
func (b *Board) deliver(ev PinEvent) {
	b.mu.Lock()
	if a, ok := b.assignments[ev.Pin]; ok {
		a.lastValue = ev.Value
		a.hasValue = true
	}
	b.mu.Unlock()

	for _, fn := range b.observersFor(ev.Pin) {
		fn(ev.Pin, ev.Value, ev.Timestamp)
	}
}

// observersFor snapshots the callbacks for a pin in registration
// order, so delivery is unaffected by observers registered or removed
// while an event is in flight.
func (b *Board) observersFor(pin int) []Callback {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	set := b.callbacks[pin]
	if len(set) == 0 {
		return nil
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]Callback, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[CallbackID(id)])
	}
	return out
}
