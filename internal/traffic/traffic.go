package traffic

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Outcome classifies one /api response for the health windows.
type Outcome int

const (
	// Success is a fresh serve, or a local serve for a resource with no live source.
	Success Outcome = iota
	// Failure is a serve from a fallback tier after the live path failed.
	Failure
	// Denied is a 429 from the rate limiter. It never reaches a resource.
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// retention bounds memory: no health window looks further back than this.
const retention = 5 * time.Minute

var defaultTracker = NewTracker(clockwork.NewRealClock(), retention)

// RecordSuccess records a healthy serve of resource.
func RecordSuccess(resource string) {
	defaultTracker.Record(resource, Success)
}

// RecordError records a degraded serve of resource.
func RecordError(resource string) {
	defaultTracker.Record(resource, Failure)
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.Record("", Denied)
}

// RequestCount returns all outcomes (success + failure + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (failures, successes + failures) within the window. Denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// FailingResources returns the resources whose most recent outcome was a failure.
func FailingResources() []string {
	return defaultTracker.FailingResources()
}

// SetClock swaps the clock of the process-wide tracker and clears it. For tests only.
func SetClock(clock clockwork.Clock) {
	defaultTracker.setClock(clock)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker keeps a time-ordered log of outcomes plus the last outcome per resource.
// It is the single source for overload (RequestCount, DenialCount) and degraded (ErrorRate).
type Tracker struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	retain time.Duration
	events []event
	last   map[string]Outcome
}

// NewTracker returns a Tracker that forgets events older than retain.
func NewTracker(clock clockwork.Clock, retain time.Duration) *Tracker {
	return &Tracker{clock: clock, retain: retain, last: make(map[string]Outcome)}
}

// Record appends an outcome at the current clock time. An empty resource only feeds the window.
func (t *Tracker) Record(resource string, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.events = append(t.events, event{at: now, outcome: o})
	if resource != "" && o != Denied {
		t.last[resource] = o
	}
	t.pruneLocked(now)
}

// RequestCount returns the number of outcomes of any kind within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := t.countLocked(window)
	return counts[Success] + counts[Failure] + counts[Denied]
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked(window)[Denied]
}

// ErrorRate returns (failures, successes + failures) within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := t.countLocked(window)
	return counts[Failure], counts[Failure] + counts[Success]
}

// FailingResources returns, sorted, the resources whose last outcome was a failure.
func (t *Tracker) FailingResources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.last))
	for name, o := range t.last {
		if o == Failure {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Reset clears the window and the per-resource outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
	t.last = make(map[string]Outcome)
}

func (t *Tracker) setClock(clock clockwork.Clock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	t.events = nil
	t.last = make(map[string]Outcome)
}

// countLocked tallies events at or after now-window. Caller holds mu.
func (t *Tracker) countLocked(window time.Duration) [3]int {
	var counts [3]int
	cutoff := t.clock.Now().Add(-window)
	// events are appended in clock order, so scan from the newest end.
	for i := len(t.events) - 1; i >= 0; i-- {
		ev := t.events[i]
		if ev.at.Before(cutoff) {
			break
		}
		counts[ev.outcome]++
	}
	return counts
}

// pruneLocked drops events older than the retention. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retain)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
