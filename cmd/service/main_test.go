package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sonde-alert-service/internal/cache"
	"github.com/kjstillabower/sonde-alert-service/internal/config"
	"github.com/kjstillabower/sonde-alert-service/internal/lifecycle"
	"github.com/kjstillabower/sonde-alert-service/internal/observability"
)

const emptyFeed = `<html><body><table><thead><tr><th>ID</th></tr></thead><tbody></tbody></table></body></html>`

func testConfig(t *testing.T, feedURL string) *config.Config {
	t.Helper()
	return &config.Config{
		ServerPort:       "0",
		HomeLat:          45.815,
		HomeLon:          15.982,
		AlertRadiusKm:    50,
		PollInterval:     time.Hour,
		CycleTimeout:     5 * time.Second,
		FeedURL:          feedURL,
		FeedUserAgent:    "Mozilla/5.0 (test)",
		FeedTimeout:      time.Second,
		SMTPHost:         "127.0.0.1",
		SMTPPort:         2525,
		SMTPTLSMode:      "implicit",
		SMTPUsername:     "alerts@example.com",
		SMTPPassword:     "app-password",
		SMTPFrom:         "alerts@example.com",
		SMTPTo:           "me@example.com",
		SMTPTimeout:      time.Second,
		LedgerPath:       filepath.Join(t.TempDir(), "sent_sondes.txt"),
		RequestTimeout:   time.Second,
		RateLimitRPS:     10,
		RateLimitBurst:   10,
		CacheBackend:     "in_memory",
		SnapshotTTL:      time.Minute,
		ShutdownTimeout:  time.Second,
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
	}
}

func TestNewNotifyLimiter(t *testing.T) {
	if l := newNotifyLimiter(0); l != nil {
		t.Errorf("newNotifyLimiter(0) = %v, want nil", l)
	}
	l := newNotifyLimiter(30)
	if l == nil {
		t.Fatal("newNotifyLimiter(30) = nil")
	}
	if got := l.Limit(); got != rate.Every(2*time.Second) {
		t.Errorf("Limit() = %v, want one per 2s", got)
	}
	if l.Burst() != 1 {
		t.Errorf("Burst() = %d, want 1", l.Burst())
	}
}

func TestBuildCache_InMemory(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1")
	c, mc, err := buildCache(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("buildCache() error = %v", err)
	}
	if mc != nil {
		t.Error("memcached client returned for in_memory backend")
	}
	if _, ok := c.(*cache.InMemoryCache); !ok {
		t.Errorf("cache = %T, want *cache.InMemoryCache", c)
	}
}

func TestBreakerStateChange_SetsGaugeAndLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	onChange := breakerStateChange(zap.New(core))
	t.Cleanup(func() { observability.FeedCircuitBreakerState.Set(0) })

	onChange(gobreaker.StateClosed, gobreaker.StateOpen)
	if got := testutil.ToFloat64(observability.FeedCircuitBreakerState); got != 2 {
		t.Errorf("feedCircuitBreakerState = %v, want 2", got)
	}
	onChange(gobreaker.StateOpen, gobreaker.StateHalfOpen)
	if got := testutil.ToFloat64(observability.FeedCircuitBreakerState); got != 1 {
		t.Errorf("feedCircuitBreakerState = %v, want 1", got)
	}
	if n := logs.FilterMessage("feed circuit breaker state change").Len(); n != 2 {
		t.Errorf("transition logs = %d, want 2", n)
	}
}

func TestRun_RejectsBadFeedURL(t *testing.T) {
	cfg := testConfig(t, "ftp://radiosondy.info")
	if err := run(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("run() expected startup error for non-http feed URL")
	}
}

// TestRun_CycleThenGracefulShutdown runs the whole service against a fake feed:
// the first cycle completes, then cancellation drains and run returns nil.
func TestRun_CycleThenGracefulShutdown(t *testing.T) {
	var fetches atomic.Int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte(emptyFeed))
	}))
	defer feed.Close()

	t.Cleanup(func() {
		lifecycle.SetShuttingDown(false)
		lifecycle.MarkCycleComplete(time.Time{})
	})
	lifecycle.MarkCycleComplete(time.Time{})

	cfg := testConfig(t, feed.URL)
	core, logs := observer.New(zap.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.New(core)) }()

	deadline := time.Now().Add(5 * time.Second)
	for lifecycle.LastCycle().IsZero() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("no cycle completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}

	if n := fetches.Load(); n != 1 {
		t.Errorf("feed fetches = %d, want 1", n)
	}
	if !lifecycle.IsShuttingDown() {
		t.Error("shutting-down flag not set")
	}
	for _, msg := range []string{"ledger loaded", "cycle complete", "graceful shutdown triggered", "shutdown complete"} {
		if logs.FilterMessage(msg).Len() == 0 {
			t.Errorf("missing log %q", msg)
		}
	}
	if _, err := os.Stat(cfg.LedgerPath); !os.IsNotExist(err) {
		t.Errorf("ledger file created without any notification (stat err = %v)", err)
	}
}
