// Package lifecycle holds the process drain flag read by /health.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// shutdownAt is the unix-nano time draining began; zero while serving.
var shutdownAt atomic.Int64

// BeginShutdown marks the process as draining. /health answers 503 shutting-down
// from now on so load balancers stop routing here. Later calls keep the first time.
func BeginShutdown() {
	shutdownAt.CompareAndSwap(0, time.Now().UnixNano())
}

// IsShuttingDown reports whether BeginShutdown has been called.
func IsShuttingDown() bool {
	return shutdownAt.Load() != 0
}

// DrainingFor returns how long the process has been draining, or zero while serving.
func DrainingFor() time.Duration {
	at := shutdownAt.Load()
	if at == 0 {
		return 0
	}
	return time.Since(time.Unix(0, at))
}

// Reset clears the drain flag. For tests only.
func Reset() {
	shutdownAt.Store(0)
}
