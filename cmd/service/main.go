package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sonde-alert-service/internal/cache"
	"github.com/kjstillabower/sonde-alert-service/internal/client"
	"github.com/kjstillabower/sonde-alert-service/internal/config"
	httphandler "github.com/kjstillabower/sonde-alert-service/internal/http"
	"github.com/kjstillabower/sonde-alert-service/internal/ledger"
	"github.com/kjstillabower/sonde-alert-service/internal/lifecycle"
	"github.com/kjstillabower/sonde-alert-service/internal/notifier"
	"github.com/kjstillabower/sonde-alert-service/internal/observability"
	"github.com/kjstillabower/sonde-alert-service/internal/scheduler"
	"github.com/kjstillabower/sonde-alert-service/internal/service"
	"github.com/kjstillabower/sonde-alert-service/internal/viewer"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", zap.Error(err))
		_ = observability.FlushTelemetry(context.Background(), logger)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		_ = observability.FlushTelemetry(context.Background(), logger)
		stop()
		os.Exit(1)
	}
}

// run wires the pipeline and the viewer surface and blocks until ctx is done or
// a component fails. Startup errors are returned before anything runs.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	observability.RegisterFeedHealthGauges(cfg.DegradedWindow)

	cacheSvc, memcache, err := buildCache(cfg, logger)
	if err != nil {
		return err
	}
	if memcache != nil {
		defer func() {
			if err := memcache.Close(); err != nil {
				logger.Error("memcached close", zap.Error(err))
			}
		}()
	}

	hub := viewer.NewHub(cacheSvc, logger, viewer.Options{
		SnapshotTTL: cfg.SnapshotTTL,
		MaxClients:  cfg.ViewerMaxClients,
	})

	sent := ledger.New(cfg.LedgerPath, logger)
	if ids, err := sent.IDs(); err != nil {
		logger.Warn("ledger unreadable at startup, continuing without dedup history", zap.Error(err))
	} else {
		logger.Info("ledger loaded", zap.String("path", sent.Path()), zap.Int("entries", len(ids)))
	}

	feed, err := client.NewRadiosondyClient(client.Config{
		URL:                  cfg.FeedURL,
		UserAgent:            cfg.FeedUserAgent,
		Timeout:              cfg.FeedTimeout,
		BreakerFailures:      cfg.FeedBreakerFailures,
		BreakerTimeout:       cfg.FeedBreakerTimeout,
		OnBreakerStateChange: breakerStateChange(logger),
	})
	if err != nil {
		return fmt.Errorf("feed client: %w", err)
	}
	observability.FeedCircuitBreakerState.Set(0)

	mailer, err := notifier.NewSMTPNotifier(notifier.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		TLSMode:  cfg.SMTPTLSMode,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		To:       cfg.SMTPTo,
		Timeout:  cfg.SMTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("smtp notifier: %w", err)
	}

	engine := service.NewAlertEngine(feed, sent, mailer, service.Settings{
		HomeLat:         cfg.HomeLat,
		HomeLon:         cfg.HomeLon,
		AlertRadiusKm:   cfg.AlertRadiusKm,
		DisplayRadiusKm: cfg.DisplayRadiusKm,
		NotifyLimiter:   newNotifyLimiter(cfg.NotifyPerMinute),
	}, logger, hub)
	sched := scheduler.New(engine, cfg.PollInterval, cfg.CycleTimeout, logger)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	if memcache != nil {
		healthConfig.CachePing = memcache.Ping
	}
	var runner httphandler.CycleRunner
	if cfg.TestingMode {
		runner = engine
	}
	handler := httphandler.NewHandler(hub, sent, runner, healthConfig, logger)
	router := httphandler.NewRouter(handler, http.HandlerFunc(hub.ServeWS), logger, httphandler.RouterOptions{
		Limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("sonde alert service starting",
		zap.Float64("home_lat", cfg.HomeLat),
		zap.Float64("home_lon", cfg.HomeLon),
		zap.Float64("alert_radius_km", cfg.AlertRadiusKm),
		zap.Float64("display_radius_km", cfg.DisplayRadiusKm),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("smtp_to", cfg.SMTPTo),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gCtx)
	})
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("graceful shutdown triggered")
		lifecycle.SetShuttingDown(true)
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		if err := httphandler.WaitForInFlight(shutdownCtx); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
		}
		return nil
	})
	err = g.Wait()

	if ferr := sent.Flush(); ferr != nil {
		logger.Error("ledger flush at shutdown failed, pending ids may be notified again",
			zap.Int("pending", sent.Pending()), zap.Error(ferr))
	}
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	if ferr := observability.FlushTelemetry(context.Background(), logger); ferr != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", ferr)
	}
	return nil
}

// buildCache returns the snapshot cache for cfg.CacheBackend. The memcached
// client is also returned so the caller can ping and close it.
func buildCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc, nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), nil, nil
	}
}

// newNotifyLimiter paces e-mails to perMinute with no burst. Zero disables pacing.
func newNotifyLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func breakerStateChange(logger *zap.Logger) func(from, to gobreaker.State) {
	return func(from, to gobreaker.State) {
		observability.FeedCircuitBreakerState.Set(observability.CircuitBreakerStateValue(to.String()))
		logger.Warn("feed circuit breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}
