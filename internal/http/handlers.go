package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/sonde-alert-service/internal/feedhealth"
	"github.com/kjstillabower/sonde-alert-service/internal/lifecycle"
	"github.com/kjstillabower/sonde-alert-service/internal/models"
	"github.com/kjstillabower/sonde-alert-service/internal/service"
)

// SnapshotSource serves the live view. viewer.Hub implements it.
type SnapshotSource interface {
	Latest(ctx context.Context) (models.Snapshot, bool, error)
	Recent() []models.NotificationEvent
}

// NotifiedIDs lists the ids held by the dedup ledger, oldest first.
type NotifiedIDs interface {
	IDs() ([]string, error)
}

// CycleRunner runs one alert cycle on demand. Only used in testing mode.
type CycleRunner interface {
	RunCycle(ctx context.Context) service.CycleReport
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	snapshots        SnapshotSource
	ledger           NotifiedIDs
	runner           CycleRunner
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. runner may be nil when testing mode is off.
func NewHandler(
	snapshots SnapshotSource,
	ledger NotifiedIDs,
	runner CycleRunner,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		snapshots:    snapshots,
		ledger:       ledger,
		runner:       runner,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetSondes handles GET /sondes with the latest display snapshot.
func (h *Handler) GetSondes(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := h.snapshots.Latest(r.Context())
	if err != nil && !ok {
		requestLogger(r, h.logger).Warn("snapshot unavailable", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "SNAPSHOT_UNAVAILABLE", "Unable to read the latest snapshot")
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "NO_SNAPSHOT", "No cycle has completed yet")
		return
	}
	if snap.Sondes == nil {
		snap.Sondes = []models.SondeView{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// notificationsResponse is the body of GET /notifications.
type notificationsResponse struct {
	Count  int                        `json:"count"`
	IDs    []string                   `json:"ids"`
	Recent []models.NotificationEvent `json:"recent"`
}

// GetNotifications handles GET /notifications: every id in the ledger plus the
// notifications sent since startup.
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	ids, err := h.ledger.IDs()
	if err != nil {
		requestLogger(r, h.logger).Error("ledger read failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Unable to read the notification ledger")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	recent := h.snapshots.Recent()
	if recent == nil {
		recent = []models.NotificationEvent{}
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Count: len(ids), IDs: ids, Recent: recent})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["feed"] = "unhealthy"
	} else {
		checks["feed"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "sonde-alert-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if last := lifecycle.LastCycle(); !last.IsZero() {
		resp["lastCycle"] = last.UTC().Format(time.RFC3339)
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		if f := feedhealth.Window(h.healthConfig.DegradedWindow).LastFailure; f.Failed() {
			resp["lastFeedFailure"] = map[string]string{
				"category": f.Category,
				"at":       f.At.UTC().Format(time.RFC3339),
			}
		}
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if lifecycle.LastCycle().IsZero() {
		return healthResult{"starting", http.StatusServiceUnavailable, "no_cycle_yet"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		s := feedhealth.Window(h.healthConfig.DegradedWindow)
		if s.Fetches > 0 && s.FailurePct() >= float64(h.healthConfig.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "feed_error_rate"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// PostTestCycle handles POST /test/cycle: runs one cycle immediately and returns its report.
func (h *Handler) PostTestCycle(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, r, http.StatusNotFound, "NO_RUNNER", "manual cycles are not enabled")
		return
	}
	// A client disconnect must not abort a send halfway through the cycle.
	report := h.runner.RunCycle(context.WithoutCancel(r.Context()))
	resp := map[string]interface{}{
		"ok":              report.Outcome == service.OutcomeOK,
		"cycleId":         report.CycleID,
		"outcome":         report.Outcome,
		"fetched":         report.Fetched,
		"skipped":         report.Skipped,
		"inDisplay":       report.InDisplay,
		"inAlert":         report.InAlert,
		"alreadyNotified": report.AlreadyNotified,
		"notified":        report.Notified,
		"notifyFailed":    report.NotifyFailed,
		"ledgerErrors":    report.LedgerErrors,
		"duration":        report.Duration.String(),
	}
	if report.Err != nil {
		resp["error"] = report.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestReset handles POST /test/reset: clears the feed outcome window and the shutdown flag.
func (h *Handler) PostTestReset(w http.ResponseWriter, r *http.Request) {
	feedhealth.Reset()
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "Feed outcome window cleared",
	})
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationID(r),
		},
	})
}
