package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"
)

var shuttingDown atomic.Bool

var (
	lastCycleMu sync.RWMutex
	lastCycle   time.Time
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and no new cycle will start.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// MarkCycleComplete records when the latest alert cycle finished.
func MarkCycleComplete(at time.Time) {
	lastCycleMu.Lock()
	defer lastCycleMu.Unlock()
	lastCycle = at
}

// LastCycle returns when the latest alert cycle finished, or the zero time if none has.
func LastCycle() time.Time {
	lastCycleMu.RLock()
	defer lastCycleMu.RUnlock()
	return lastCycle
}
