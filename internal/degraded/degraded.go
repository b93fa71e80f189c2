// Package degraded derives the degraded health signal from reference-data serves.
// A serve is degraded when the live path was enabled but the value came from a
// fallback tier; the instance still answers, so health stays 200.
package degraded

import (
	"time"

	"github.com/kjstillabower/relieflink-refdata/internal/traffic"
)

// RecordServe records one reference-data response for resource.
func RecordServe(resource string, degradedServe bool) {
	if degradedServe {
		traffic.RecordError(resource)
		return
	}
	traffic.RecordSuccess(resource)
}

// ErrorRate returns (degraded serves, all serves) within the window.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// Breached reports whether the degraded share within window reached thresholdPct.
// No serves in the window is never a breach.
func Breached(window time.Duration, thresholdPct int) bool {
	if window <= 0 || thresholdPct <= 0 {
		return false
	}
	errs, total := ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(thresholdPct)
}

// Resources returns the resources whose last serve was degraded, sorted by name.
func Resources() []string {
	return traffic.FailingResources()
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
