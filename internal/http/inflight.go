package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kjstillabower/relieflink-refdata/internal/observability"
)

// InFlightTracker counts requests currently inside the router. Graceful shutdown
// waits on it after the listener stops accepting.
type InFlightTracker struct {
	count atomic.Int64
	gauge prometheus.Gauge // optional mirror of count
}

// Begin registers a request and returns the func that releases it.
func (t *InFlightTracker) Begin() (done func()) {
	t.count.Add(1)
	if t.gauge != nil {
		t.gauge.Inc()
	}
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		t.count.Add(-1)
		if t.gauge != nil {
			t.gauge.Dec()
		}
	}
}

// Count returns the number of requests in flight.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero polls every checkInterval until nothing is in flight or ctx ends.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for t.Count() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

var globalInFlightTracker = &InFlightTracker{gauge: observability.HTTPRequestsInFlight}

// InFlightCount returns the number of requests the router is serving.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight blocks until the router is idle or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
