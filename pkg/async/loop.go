// Package async provides the owner loop that serializes every continuation
// of the request dispatcher, tileset loader and session manager onto one
// goroutine.
//
// I/O happens on worker goroutines; when it completes the worker posts a
// function to the loop, and the loop's goroutine runs it. State reached only
// from posted functions needs no locking.
package async

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when posting to a closed loop.
var ErrClosed = errors.New("async: loop closed")

// Loop is a FIFO queue of functions executed by a single goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop creates an empty loop.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn for execution on the loop goroutine. It is safe to call
// from any goroutine, including the loop itself. Post reports false when the
// loop has been closed and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

// RunPending runs everything queued at the time of the call, plus anything
// those functions post, without blocking. It returns the number of functions
// run. Use it from a frame tick when the caller already owns a main loop.
func (l *Loop) RunPending() int {
	n := 0
	for {
		q := l.take()
		if len(q) == 0 {
			return n
		}
		for _, fn := range q {
			fn()
			n++
		}
	}
}

// Run executes posted functions on the calling goroutine until ctx is done
// or the loop is closed. Functions still queued at Close are run before Run
// returns.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			l.RunPending()
			return nil
		case <-l.wake:
		}
	}
}

// Call posts fn and waits until it has run. It must not be called from the
// loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new functions and wakes Run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Pending returns the number of queued functions.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
