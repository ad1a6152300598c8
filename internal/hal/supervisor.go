package hal

import (
	"context"
	"time"
)

// startReconnect launches the background retry loop. At most one loop
// runs per board; while it runs the board sits in StateError between
// attempts. The loop stops on success or when stopReconnect is called.
func (b *Board) startReconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnectDone != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	b.reconnectStop = stop
	b.reconnectDone = done
	go b.reconnectLoop(stop, done)
}

// stopReconnect cancels the retry loop and waits for it to exit, so a
// caller returning from Disconnect knows no further attempts will be
// made. Safe to call when no loop is running.
func (b *Board) stopReconnect() {
	b.mu.Lock()
	stop := b.reconnectStop
	done := b.reconnectDone
	b.reconnectStop = nil
	b.reconnectDone = nil
	b.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (b *Board) reconnectLoop(stop, done chan struct{}) {
	defer close(done)

	delay := b.reconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		go func() {
			// A stop request cancels an attempt already in flight.
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := b.backend.Connect(ctx)
		cancel()

		select {
		case <-stop:
			// Disconnect won the race; discard whatever the attempt
			// produced and leave state alone.
			return
		default:
		}

		if err == nil {
			b.mu.Lock()
			if b.state == StateConnecting {
				// An explicit Connect is mid-flight; it will replace
				// this session and set the state itself.
				b.reconnectStop = nil
				b.reconnectDone = nil
				b.mu.Unlock()
				return
			}
			b.state = StateConnected
			b.startDispatchLocked()
			b.reconnectStop = nil
			b.reconnectDone = nil
			b.mu.Unlock()
			b.logger.Printf("board %s: reconnected after %d attempts", b.cfg.ID, attempt)
			return
		}

		b.logger.Printf("board %s: reconnect attempt %d failed: %v", b.cfg.ID, attempt, err)
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}
