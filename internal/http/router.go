package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sonde-alert-service/internal/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration
	TestingMode    bool
}

// NewRouter builds the viewer surface. ws serves the websocket upgrade on /ws.
func NewRouter(h *Handler, ws http.Handler, logger *zap.Logger, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(opts.Limiter))
	if opts.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	api.HandleFunc("/sondes", h.GetSondes).Methods("GET")
	api.HandleFunc("/notifications", h.GetNotifications).Methods("GET")

	if ws != nil {
		live := router.NewRoute().Subrouter()
		live.Use(RateLimitMiddleware(opts.Limiter))
		live.Handle("/ws", ws).Methods("GET")
	}

	if opts.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoints exposed")
		router.HandleFunc("/test/cycle", h.PostTestCycle).Methods("POST")
		router.HandleFunc("/test/reset", h.PostTestReset).Methods("POST")
	}
	return router
}
