package service

import (
	"sync"
)

// refreshTracker counts callers that found a key missing or expired and went to
// refresh it. More than one at a time on the same key is a stampede; the coalescer
// absorbs it, the tracker only makes it visible.
type refreshTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newRefreshTracker() *refreshTracker {
	return &refreshTracker{active: make(map[string]int)}
}

// Begin registers a refresh attempt for key and returns how many are now in progress.
// Every Begin must be paired with End.
func (rt *refreshTracker) Begin(key string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.active[key]++
	return rt.active[key]
}

// End releases one attempt for key. Unknown keys are ignored.
func (rt *refreshTracker) End(key string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n, ok := rt.active[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(rt.active, key)
		return
	}
	rt.active[key] = n - 1
}

// Total is the number of attempts in progress across all keys of the resource.
// Flood overlays spread over many bbox keys, so status reports the sum.
func (rt *refreshTracker) Total() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	total := 0
	for _, n := range rt.active {
		total += n
	}
	return total
}
