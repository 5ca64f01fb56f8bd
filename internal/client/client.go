package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kjstillabower/sonde-alert-service/internal/models"
	"github.com/kjstillabower/sonde-alert-service/internal/observability"
)

// DefaultFeedURL is the radiosondy.info list of currently flying sondes.
const DefaultFeedURL = "https://radiosondy.info/dyn/get_flying.php"

// DefaultUserAgent is a desktop browser agent; the feed rejects Go's default agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// maxBodyBytes caps how much of the feed document is read.
const maxBodyBytes = 8 << 20

// FeedClient fetches the current set of flying sondes.
type FeedClient interface {
	Fetch(ctx context.Context) (FetchResult, error)
}

// FetchResult holds the rows parsed from one fetch. Skipped lists the rows that
// failed row-level parsing; they never fail the fetch as a whole.
type FetchResult struct {
	Sondes  []models.Sonde
	Skipped []*ParseError
}

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoTable         = errors.New("feed document has no table")
	ErrCircuitOpen     = errors.New("feed circuit breaker open")
)

// FetchError reports a fetch that produced no usable document: a transport
// failure, a non-success status, or an unparsable page. The cycle is skipped.
type FetchError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch feed: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch feed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config configures a RadiosondyClient. A zero BreakerFailures disables the circuit breaker.
// The breaker tracks feed health only: every Fetch reaches upstream, and a
// failure while the breaker is open also matches ErrCircuitOpen.
type Config struct {
	URL             string
	UserAgent       string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// OnBreakerStateChange, when set, is called on every breaker transition (for metrics/logs).
	OnBreakerStateChange func(from, to gobreaker.State)
}

// RadiosondyClient fetches and parses the radiosondy.info flying-sondes table.
type RadiosondyClient struct {
	url       string
	userAgent string
	timeout   time.Duration
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[[]byte]
}

// NewRadiosondyClient returns a client for cfg. URL and UserAgent fall back to the defaults.
func NewRadiosondyClient(cfg Config) (*RadiosondyClient, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultFeedURL
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("feed URL must be http(s), got %q", cfg.URL)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &RadiosondyClient{
		url:       cfg.URL,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		client:    &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.BreakerFailures > 0 {
		timeout := cfg.BreakerTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		threshold := cfg.BreakerFailures
		onChange := cfg.OnBreakerStateChange
		c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "radiosondy_feed",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Shutdown cancels in-flight fetches; that says nothing about the feed.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				if onChange != nil {
					onChange(from, to)
				}
			},
		})
	}
	return c, nil
}

// Fetch downloads the feed once and parses its first table.
func (c *RadiosondyClient) Fetch(ctx context.Context) (FetchResult, error) {
	body, err := c.download(ctx)
	if err != nil {
		return FetchResult{}, err
	}
	return ParseTable(bytes.NewReader(body))
}

func (c *RadiosondyClient) download(ctx context.Context) ([]byte, error) {
	if c.breaker == nil {
		return c.callFeed(ctx)
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.callFeed(ctx)
	})
	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		return body, err
	}

	// Each scheduled cycle is the retry, so an open breaker never skips the request.
	body, err = c.callFeed(ctx)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			fe.Err = fmt.Errorf("%w: %w", ErrCircuitOpen, fe.Err)
		}
		return nil, err
	}
	return body, nil
}

func (c *RadiosondyClient) callFeed(ctx context.Context) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		observability.FeedFetchesTotal.WithLabelValues("error").Inc()
		return nil, &FetchError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		observability.FeedFetchesTotal.WithLabelValues("error").Inc()
		observability.FeedFetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &FetchError{Err: fmt.Errorf("request timeout: %w", err)}
		}
		return nil, &FetchError{Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.FeedFetchesTotal.WithLabelValues(status).Inc()
	observability.FeedFetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Err: fmt.Errorf("read response body: %w", err)}
	}
	return body, nil
}

func handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &FetchError{StatusCode: resp.StatusCode, Err: ErrRateLimited}
	}
	return &FetchError{StatusCode: resp.StatusCode, Err: ErrUpstreamFailure}
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
