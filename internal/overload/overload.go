// Package overload compares /api volume against the rate-limit budget.
package overload

import (
	"time"

	"github.com/kjstillabower/relieflink-refdata/internal/traffic"
)

// RecordDenial records a 429 from the /api rate limiter.
func RecordDenial() {
	traffic.RecordDenied()
}

// RequestCount returns reference-data serves plus denials within the window.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount returns the number of denials within the given window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// Breached reports whether volume in window exceeds thresholdPct of what the limiter
// admits over that window (rps * window). A disabled limiter never breaches.
func Breached(window time.Duration, rps, thresholdPct int) bool {
	if rps <= 0 || window <= 0 {
		return false
	}
	budget := float64(rps) * window.Seconds() * float64(thresholdPct) / 100
	return float64(RequestCount(window)) > budget
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
