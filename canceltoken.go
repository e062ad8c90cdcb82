package signalr

import (
	"context"
	"sync"
)

// cancelationTokenSource owns the canceled state for one operation, e.g. one
// reconnect attempt or the lifetime of a started connection. Cancel is
// idempotent and runs every registered callback synchronously on the
// canceling goroutine.
type cancelationTokenSource struct {
	mx        sync.Mutex
	canceled  bool
	callbacks []func()
	ctx       context.Context
	cancel    context.CancelFunc
}

func newCancelationTokenSource() *cancelationTokenSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &cancelationTokenSource{ctx: ctx, cancel: cancel}
}

func (s *cancelationTokenSource) Cancel() {
	s.mx.Lock()
	if s.canceled {
		s.mx.Unlock()
		return
	}
	s.canceled = true
	callbacks := s.callbacks
	s.callbacks = nil
	s.mx.Unlock()
	s.cancel()
	for _, callback := range callbacks {
		callback()
	}
}

func (s *cancelationTokenSource) Token() cancelationToken {
	return cancelationToken{src: s}
}

// cancelationToken is the consumer side handle derived from a source.
type cancelationToken struct {
	src *cancelationTokenSource
}

func (t cancelationToken) IsCanceled() bool {
	defer t.src.mx.Unlock()
	t.src.mx.Lock()
	return t.src.canceled
}

// RegisterCallback records a callback to run on cancelation. If the source
// is already canceled the callback runs immediately on the caller.
func (t cancelationToken) RegisterCallback(callback func()) {
	t.src.mx.Lock()
	if t.src.canceled {
		t.src.mx.Unlock()
		callback()
		return
	}
	t.src.callbacks = append(t.src.callbacks, callback)
	t.src.mx.Unlock()
}

// Context exposes the cancelation signal as a context for operations that
// select on Done or merge it with other contexts.
func (t cancelationToken) Context() context.Context {
	return t.src.ctx
}

func (t cancelationToken) Done() <-chan struct{} {
	return t.src.ctx.Done()
}

// Err returns ErrCanceled once the source is canceled, nil before.
func (t cancelationToken) Err() error {
	if t.IsCanceled() {
		return ErrCanceled
	}
	return nil
}
