package http

import (
	"context"
	"sync"

	"github.com/kjstillabower/sonde-alert-service/internal/observability"
)

// requestDrain counts requests and websocket sessions inside MetricsMiddleware.
// Shutdown waits on idle instead of polling the count.
type requestDrain struct {
	mu     sync.Mutex
	active int64
	idle   chan struct{} // closed when active drops to zero
}

var served requestDrain

func (d *requestDrain) enter() {
	d.mu.Lock()
	if d.active == 0 {
		d.idle = make(chan struct{})
	}
	d.active++
	d.mu.Unlock()
	observability.HTTPRequestsInFlight.Inc()
}

func (d *requestDrain) leave() {
	observability.HTTPRequestsInFlight.Dec()
	d.mu.Lock()
	d.active--
	if d.active == 0 {
		close(d.idle)
	}
	d.mu.Unlock()
}

func (d *requestDrain) count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// wait returns once nothing is in flight, or ctx.Err() if ctx ends first.
func (d *requestDrain) wait(ctx context.Context) error {
	d.mu.Lock()
	if d.active == 0 {
		d.mu.Unlock()
		return nil
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlightCount returns the number of requests being served.
func InFlightCount() int64 { return served.count() }

// WaitForInFlight blocks until in-flight requests finish or ctx is done.
func WaitForInFlight(ctx context.Context) error { return served.wait(ctx) }
