package service

import (
	"context"
	"sync"
	"time"
)

// inFlightRequest tracks a single upstream refresh that multiple callers may wait for.
type inFlightRequest[T any] struct {
	mu      sync.Mutex
	result  T
	err     error
	done    bool
	waiters []chan struct{} // closed when result is ready
}

// requestCoalescer prevents cache stampede by coalescing concurrent refreshes for the same key.
type requestCoalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest[T]
	timeout  time.Duration
}

// newRequestCoalescer creates a requestCoalescer whose callers wait at most timeout.
func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{
		inFlight: make(map[string]*inFlightRequest[T]),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight refresh for key, or starts fn if there is none.
// shared is true when the caller joined a refresh started by someone else.
// fn runs in its own goroutine and always completes; a caller that gives up
// (ctx done or wait timeout) gets the context error while the refresh carries on
// for the remaining waiters.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func() (T, error)) (result T, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest[T]{}
		rc.inFlight[key] = req
	}
	notify := make(chan struct{})
	req.mu.Lock()
	if req.done {
		result, err = req.result, req.err
		req.mu.Unlock()
		rc.mu.Unlock()
		return result, true, err
	}
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()
	rc.mu.Unlock()

	if !exists {
		go rc.run(key, req, fn)
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result, err = req.result, req.err
		req.mu.Unlock()
		return result, exists, err
	case <-waitCtx.Done():
		var zero T
		return zero, exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer[T]) run(key string, req *inFlightRequest[T], fn func() (T, error)) {
	result, err := fn()

	req.mu.Lock()
	req.result = result
	req.err = err
	req.done = true
	waiters := req.waiters
	req.waiters = nil
	req.mu.Unlock()

	for _, notify := range waiters {
		close(notify)
	}

	rc.cleanup(key)
}

// cleanup removes the in-flight request for key. Must be called after request completes.
func (rc *requestCoalescer[T]) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
