package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across client, notifier, service and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/sondes", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/sondes").Observe(0.01)
	FeedFetchesTotal.WithLabelValues("success").Inc()
	FeedFetchDuration.WithLabelValues("success").Observe(0.4)
	FeedRowsSkippedTotal.WithLabelValues("lat").Inc()
	NotificationsTotal.WithLabelValues("sent").Inc()
	NotifyDuration.WithLabelValues("sent").Observe(1.2)
	SondesInAlertRadius.Set(1)
	SondesInDisplayRadius.Set(3)
	LedgerEntries.Set(5)
}

// TestRecordCycle verifies that RecordCycle updates the outcome counter and the last-cycle gauge.
func TestRecordCycle(t *testing.T) {
	before := testutil.ToFloat64(CyclesTotal.WithLabelValues("ok"))
	finished := time.Unix(1726000000, 0)

	RecordCycle("ok", 2*time.Second, finished)

	if got := testutil.ToFloat64(CyclesTotal.WithLabelValues("ok")); got != before+1 {
		t.Errorf("cyclesTotal{ok} = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(LastCycleTimestamp); got != float64(finished.Unix()) {
		t.Errorf("lastCycleTimestampSeconds = %v, want %v", got, finished.Unix())
	}
}

func TestCircuitBreakerStateValue(t *testing.T) {
	tests := map[string]float64{
		"closed":    0,
		"half-open": 1,
		"open":      2,
		"unknown":   0,
	}
	for in, want := range tests {
		if got := CircuitBreakerStateValue(in); got != want {
			t.Errorf("CircuitBreakerStateValue(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	FeedFetchesTotal.WithLabelValues("success").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "feedFetchesTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
