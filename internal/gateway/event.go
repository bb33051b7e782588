package gateway

import (
	"context"
	"net/http"
	"sync"
)

// Event carries deferred work. Tasks registered with WaitUntil keep running
// after the caller that triggered them has its answer, and they are not
// canceled when the triggering request's context is.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

// NewEvent creates an event whose tasks inherit parent's values but not its
// cancellation.
func NewEvent(parent context.Context) *Event {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Event{ctx: ctx, cancel: cancel}
}

// Context is the context deferred tasks run with.
func (e *Event) Context() context.Context { return e.ctx }

// WaitUntil extends the event's lifetime until fn returns. It must not be
// called once Wait has returned.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil {
			e.mu.Lock()
			if e.err == nil {
				e.err = err
			}
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until every task has returned and reports the first error.
func (e *Event) Wait() error {
	e.wg.Wait()
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Cancel cancels the context of running tasks.
func (e *Event) Cancel() { e.cancel() }

// FetchEvent is an Event for one intercepted request.
type FetchEvent struct {
	*Event
	Request Request
	HTTP    *http.Request
}

// NewFetchEvent wraps r, whose URL must be absolute.
func NewFetchEvent(r *http.Request) *FetchEvent {
	return &FetchEvent{
		Event:   NewEvent(r.Context()),
		Request: NewRequest(r),
		HTTP:    r,
	}
}
