package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by [Async] after Close.
var ErrClosed = errors.New("journal: closed")

// writeTimeout bounds each write the Async worker issues.
const writeTimeout = 5 * time.Second

type asyncItem struct {
	text    *Text
	summary *Summary
}

// Async decouples session goroutines from journal latency. Records are
// queued and written by one worker goroutine. When the queue is full, text
// records are dropped and counted; summaries wait for room, since there is
// exactly one per session.
type Async struct {
	next   Journal
	queue  chan asyncItem
	onDrop func()

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Journal = (*Async)(nil)

// AsyncOption configures an [Async].
type AsyncOption func(*Async)

// WithDropHook registers fn to be called for every dropped record.
func WithDropHook(fn func()) AsyncOption {
	return func(a *Async) { a.onDrop = fn }
}

// NewAsync starts the worker. queue is the maximum number of pending records.
func NewAsync(next Journal, queue int, opts ...AsyncOption) *Async {
	if queue <= 0 {
		queue = 256
	}
	a := &Async{
		next:  next,
		queue: make(chan asyncItem, queue),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.run()
	return a
}

// RecordText enqueues t without blocking.
func (a *Async) RecordText(_ context.Context, t Text) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- asyncItem{text: &t}:
	default:
		a.drop()
	}
	return nil
}

// RecordSummary enqueues s, waiting for room until ctx ends.
func (a *Async) RecordSummary(ctx context.Context, s Summary) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- asyncItem{summary: &s}:
		return nil
	case <-ctx.Done():
		a.drop()
		return ctx.Err()
	}
}

// Dropped returns how many records were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) drop() {
	if a.dropped.Add(1) == 1 {
		slog.Warn("journal: queue full, dropping records")
	}
	if a.onDrop != nil {
		a.onDrop()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for it := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		if it.text != nil {
			err = a.next.RecordText(ctx, *it.text)
		} else {
			err = a.next.RecordSummary(ctx, *it.summary)
		}
		cancel()
		if err != nil {
			slog.Warn("journal: write failed", "err", err)
		}
	}
}

// Close stops accepting records, flushes the queue and closes the wrapped
// journal.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		<-a.done
		a.closeErr = a.next.Close()
	})
	return a.closeErr
}
