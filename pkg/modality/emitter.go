package modality

import (
	"context"
	"sync"
)

// Emitter implements the output half of an [Instance] for adapter authors.
//
// Exactly one goroutine (the adapter's receive loop) calls Emit and finally
// Close. Any goroutine may call Abort to unblock a pending Emit, for example
// when a stop drain times out.
type Emitter struct {
	ch   chan Output
	done chan struct{}

	abortOnce sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewEmitter returns an emitter whose output channel has the given buffer.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{
		ch:   make(chan Output, buffer),
		done: make(chan struct{}),
	}
}

// Outputs returns the consumer side of the stream.
func (e *Emitter) Outputs() <-chan Output { return e.ch }

// Emit sends o, blocking until the consumer accepts it. It returns
// ctx.Err() when ctx ends first, or [ErrSessionClosed] after Abort.
func (e *Emitter) Emit(ctx context.Context, o Output) error {
	select {
	case <-e.done:
		return ErrSessionClosed
	default:
	}
	select {
	case e.ch <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrSessionClosed
	}
}

// Abort makes pending and future Emit calls fail with [ErrSessionClosed].
func (e *Emitter) Abort() {
	e.abortOnce.Do(func() { close(e.done) })
}

// Close records err as the terminal error and closes the output channel.
// Only the first call has an effect. It must be called by the emitting
// goroutine after its last Emit.
func (e *Emitter) Close(err error) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.ch)
	})
}

// Err returns the error passed to Close.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
