// Package feedhealth remembers recent radiosondy.info fetch outcomes. /health
// derives the degraded status from it and the metrics endpoint exports it.
package feedhealth

import (
	"sync"
	"time"
)

// retention bounds the history. At the default poll interval it holds a few hundred outcomes.
const retention = 6 * time.Hour

// Outcome is one fetch attempt. Category is empty for a successful fetch.
type Outcome struct {
	At       time.Time
	Category string
	Sondes   int
}

// Failed reports whether the fetch produced no usable table.
func (o Outcome) Failed() bool { return o.Category != "" }

// Summary aggregates the outcomes inside a window.
type Summary struct {
	Fetches     int
	Failures    int
	LastFailure Outcome // zero when the window holds no failure
}

// FailurePct is the share of failed fetches in percent, 0 for an empty window.
func (s Summary) FailurePct() float64 {
	if s.Fetches == 0 {
		return 0
	}
	return float64(s.Failures) * 100 / float64(s.Fetches)
}

// History is a time-ordered log of fetch outcomes. The zero value is ready to use.
type History struct {
	mu       sync.Mutex
	outcomes []Outcome
	now      func() time.Time
}

var process History

// RecordFetch notes a successful fetch that yielded sondes rows.
func RecordFetch(sondes int) { process.RecordFetch(sondes) }

// RecordFailure notes a failed fetch under its error category.
func RecordFailure(category string) { process.RecordFailure(category) }

// Window summarizes the process-wide history over the last d.
func Window(d time.Duration) Summary { return process.Window(d) }

// Reset forgets every outcome. Used by /test/reset.
func Reset() { process.Reset() }

func (h *History) RecordFetch(sondes int) {
	h.append(Outcome{Sondes: sondes})
}

func (h *History) RecordFailure(category string) {
	if category == "" {
		category = "unknown"
	}
	h.append(Outcome{Category: category})
}

func (h *History) append(o Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o.At = h.clock()

	cutoff := o.At.Add(-retention)
	drop := 0
	for drop < len(h.outcomes) && h.outcomes[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		h.outcomes = append(h.outcomes[:0], h.outcomes[drop:]...)
	}
	h.outcomes = append(h.outcomes, o)
}

// Window summarizes outcomes recorded within the last d.
func (h *History) Window(d time.Duration) Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.clock().Add(-d)

	var s Summary
	for i := len(h.outcomes) - 1; i >= 0; i-- {
		o := h.outcomes[i]
		if o.At.Before(cutoff) {
			break
		}
		s.Fetches++
		if o.Failed() {
			s.Failures++
			if s.LastFailure.At.IsZero() {
				s.LastFailure = o
			}
		}
	}
	return s
}

func (h *History) Reset() {
	h.mu.Lock()
	h.outcomes = nil
	h.mu.Unlock()
}

func (h *History) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}
