// Package strand implements the serialising executor the concurrency
// model requires: a single goroutine that runs every posted task to
// completion before starting the next, so that within one transport
// every connection mutation, socket id allocation, and callback
// dispatch observes a single total order. Public operations that reach
// the strand from foreign goroutines guard any shared state with a
// short mutex of their own, drop the lock, then post the heavy work
// here — the lock never wraps a call back into the strand.
package strand

import "context"

// task is the unit of work the strand's loop drains.
type task func()

// Strand runs posted tasks one at a time on a single background
// goroutine, in the order they were posted.
type Strand struct {
	tasks  chan task
	done   chan struct{}
	cancel context.CancelFunc
}

// New starts a strand's background goroutine. Close stops it.
func New() *Strand {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Strand{
		tasks:  make(chan task, 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx)
	return s
}

func (s *Strand) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			t()
		}
	}
}

// Post schedules fn to run on the strand and returns immediately. If
// the strand has been closed, fn is dropped silently: per the teardown
// model, outstanding posted continuations become no-ops once their
// owner is gone.
func (s *Strand) Post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// RunSync posts fn to the strand and blocks the calling goroutine until
// it has run, returning whatever fn returned. Use sparingly: the whole
// point of the strand is that most work should be fire-and-forget.
func RunSync[T any](s *Strand, fn func() T) (result T, ok bool) {
	resultCh := make(chan T, 1)
	s.Post(func() {
		resultCh <- fn()
	})
	select {
	case result = <-resultCh:
		return result, true
	case <-s.done:
		var zero T
		return zero, false
	}
}

// Close stops the strand's goroutine. Posting after Close is a no-op.
// Close does not wait for an in-flight task to finish; callers that
// need that guarantee should post a final task and wait on it via
// RunSync before calling Close.
func (s *Strand) Close() {
	s.cancel()
}
