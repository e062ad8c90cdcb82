package signalr

import (
	"context"
	"sync"
	"time"
)

// completionEvent is a one-shot signal carrying either success or an error.
// The first Set wins; every later Set is a no-op. IsSet never blocks, which
// the hub relies on: the goroutine waiting for the handshake may be the same
// one that processes the message resolving the event, so it polls IsSet with
// short yields instead of blocking on Wait (see pollSet).
type completionEvent struct {
	mx   sync.Mutex
	set  bool
	err  error
	done chan struct{}
}

func newCompletionEvent() *completionEvent {
	return &completionEvent{done: make(chan struct{})}
}

// Set resolves the event with err (nil for success). It reports whether this
// call performed the transition.
func (e *completionEvent) Set(err error) bool {
	defer e.mx.Unlock()
	e.mx.Lock()
	if e.set {
		return false
	}
	e.set = true
	e.err = err
	close(e.done)
	return true
}

func (e *completionEvent) IsSet() bool {
	defer e.mx.Unlock()
	e.mx.Lock()
	return e.set
}

// Err returns the stored outcome. Valid only after IsSet reports true.
func (e *completionEvent) Err() error {
	defer e.mx.Unlock()
	e.mx.Lock()
	return e.err
}

// Wait blocks until the event is set or ctx ends and returns the stored
// outcome or the context error.
func (e *completionEvent) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

const pollSetInterval = 10 * time.Millisecond

// pollSet waits for the event by polling IsSet in 10ms yields, bounded by
// timeout. It reports whether the event was set within the bound.
func (e *completionEvent) pollSet(timeout time.Duration) bool {
	var waited time.Duration
	for !e.IsSet() && waited < timeout {
		time.Sleep(pollSetInterval)
		waited += pollSetInterval
	}
	return e.IsSet()
}
