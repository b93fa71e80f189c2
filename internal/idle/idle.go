// Package idle counts reference-data requests so /health can report an instance
// nobody is using. Health, status and metrics scrapes are not counted.
package idle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// retention is the longest idle window the health config may ask about.
const retention = 30 * time.Minute

var defaultTracker = NewTracker(clockwork.NewRealClock())

// RecordRequest records one shelters, food, 311 or flood request.
func RecordRequest() {
	defaultTracker.RecordRequest()
}

// RequestCount returns the number of requests within the window ending now.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// SetClock replaces the process-wide clock and clears recorded requests. For tests only.
func SetClock(clock clockwork.Clock) {
	defaultTracker.mu.Lock()
	defer defaultTracker.mu.Unlock()
	defaultTracker.clock = clock
	defaultTracker.times = nil
}

// Reset clears all recorded requests. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker is a sliding window of request timestamps.
type Tracker struct {
	mu    sync.Mutex
	clock clockwork.Clock
	times []time.Time
}

func NewTracker(clock clockwork.Clock) *Tracker {
	return &Tracker{clock: clock}
}

func (t *Tracker) RecordRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.times = append(t.times, now)
	t.pruneLocked(now)
}

func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	n := 0
	for i := len(t.times) - 1; i >= 0 && !t.times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = nil
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.times) && t.times[i].Before(cutoff); i++ {
	}
	if i > 0 {
		t.times = append(t.times[:0], t.times[i:]...)
	}
}
