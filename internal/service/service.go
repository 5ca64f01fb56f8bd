package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/sonde-alert-service/internal/client"
	"github.com/kjstillabower/sonde-alert-service/internal/feedhealth"
	"github.com/kjstillabower/sonde-alert-service/internal/geo"
	"github.com/kjstillabower/sonde-alert-service/internal/lifecycle"
	"github.com/kjstillabower/sonde-alert-service/internal/models"
	"github.com/kjstillabower/sonde-alert-service/internal/notifier"
	"github.com/kjstillabower/sonde-alert-service/internal/observability"
)

// Cycle outcomes, used as the cyclesTotal label.
const (
	OutcomeOK         = "ok"
	OutcomeFetchError = "fetch_error"
)

// Ledger is the durable set of notified sonde ids.
type Ledger interface {
	Contains(id string) (bool, error)
	Record(id string) error
}

// flusher is implemented by ledgers that buffer ids whose write failed.
type flusher interface {
	Flush() error
}

// Observer consumes the engine's per-cycle output. Observers run synchronously
// on the cycle goroutine and must not block.
type Observer interface {
	OnSnapshot(ctx context.Context, snap models.Snapshot)
	OnNotification(ctx context.Context, ev models.NotificationEvent)
}

// Settings holds the home position and radii. DisplayRadiusKm of zero publishes
// every valid sonde.
type Settings struct {
	HomeLat         float64
	HomeLon         float64
	AlertRadiusKm   float64
	DisplayRadiusKm float64
	// NotifyLimiter paces sends within a cycle; nil sends as fast as the notifier allows.
	NotifyLimiter *rate.Limiter
}

// CycleReport summarizes one pass of the pipeline.
type CycleReport struct {
	CycleID         string
	Outcome         string
	Err             error // fetch error when Outcome is OutcomeFetchError
	Fetched         int
	Skipped         int
	InDisplay       int
	InAlert         int
	AlreadyNotified int
	Notified        int
	NotifyFailed    int
	LedgerErrors    int
	Duration        time.Duration
	// Distances holds every valid sonde's distance from home, in feed order.
	Distances []models.DistanceResult
}

// AlertEngine runs the fetch, geofilter, dedup, notify, record pipeline.
type AlertEngine struct {
	feed      client.FeedClient
	ledger    Ledger
	notifier  notifier.Notifier
	observers []Observer
	settings  Settings
	home      geo.Point
	logger    *zap.Logger
	now       func() time.Time

	// mu serializes cycles so contains, send and record for one id never interleave.
	mu sync.Mutex
}

// NewAlertEngine wires the pipeline. Observers are optional.
func NewAlertEngine(feed client.FeedClient, ledger Ledger, n notifier.Notifier, settings Settings, logger *zap.Logger, observers ...Observer) *AlertEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertEngine{
		feed:      feed,
		ledger:    ledger,
		notifier:  n,
		observers: observers,
		settings:  settings,
		home:      geo.Point{Lat: settings.HomeLat, Lon: settings.HomeLon},
		logger:    logger,
		now:       time.Now,
	}
}

// RunCycle performs one pass. It never returns an error: fetch failures abandon
// the cycle, row and send failures skip the affected sonde, and everything is
// reported in the CycleReport and the log.
func (e *AlertEngine) RunCycle(ctx context.Context) CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	report := CycleReport{CycleID: uuid.NewString()}
	logger := e.logger.With(zap.String("cycle_id", report.CycleID))

	if f, ok := e.ledger.(flusher); ok {
		if err := f.Flush(); err != nil {
			logger.Error("ledger retry of pending ids failed", zap.Error(err))
		}
	}

	res, err := e.feed.Fetch(ctx)
	if err != nil {
		report.Outcome = OutcomeFetchError
		report.Err = err
		category := string(client.CategorizeError(err))
		feedhealth.RecordFailure(category)
		logger.Warn("feed fetch failed, skipping cycle",
			zap.String("category", category),
			zap.Error(err),
		)
		e.finish(logger, &report, start)
		return report
	}
	feedhealth.RecordFetch(len(res.Sondes))

	report.Fetched = len(res.Sondes)
	report.Skipped = len(res.Skipped)
	for _, perr := range res.Skipped {
		observability.FeedRowsSkippedTotal.WithLabelValues(perr.Field).Inc()
		logger.Warn("feed row skipped",
			zap.Int("row", perr.Row),
			zap.String("id", perr.ID),
			zap.String("field", perr.Field),
			zap.Error(perr.Err),
		)
	}

	report.Distances = make([]models.DistanceResult, 0, len(res.Sondes))
	views := make([]models.SondeView, 0, len(res.Sondes))
	for _, s := range res.Sondes {
		d := e.home.DistanceTo(geo.Point{Lat: s.Latitude, Lon: s.Longitude})
		report.Distances = append(report.Distances, models.DistanceResult{ID: s.ID, Km: d})
		logger.Debug("sonde scored", zap.String("id", s.ID), zap.Float64("distance_km", d))

		alerting := d < e.settings.AlertRadiusKm
		notified := false
		if alerting {
			report.InAlert++
			notified = e.alert(ctx, logger, &report, s, d)
		}

		if !e.inDisplay(d) {
			continue
		}
		report.InDisplay++
		if !alerting {
			notified, _ = e.ledger.Contains(s.ID)
		}
		views = append(views, models.SondeView{Sonde: s, DistanceKm: d, Alerting: alerting, Notified: notified})
	}

	sort.SliceStable(views, func(i, j int) bool { return views[i].DistanceKm < views[j].DistanceKm })
	observability.SondesInAlertRadius.Set(float64(report.InAlert))
	observability.SondesInDisplayRadius.Set(float64(report.InDisplay))

	snap := models.Snapshot{
		CycleID:         report.CycleID,
		TakenAt:         e.now().UTC(),
		HomeLat:         e.settings.HomeLat,
		HomeLon:         e.settings.HomeLon,
		AlertRadiusKm:   e.settings.AlertRadiusKm,
		DisplayRadiusKm: e.settings.DisplayRadiusKm,
		Sondes:          views,
	}
	for _, o := range e.observers {
		o.OnSnapshot(ctx, snap)
	}

	report.Outcome = OutcomeOK
	e.finish(logger, &report, start)
	return report
}

func (e *AlertEngine) inDisplay(d float64) bool {
	return e.settings.DisplayRadiusKm <= 0 || d < e.settings.DisplayRadiusKm
}

// alert notifies s unless the ledger already holds it and records it after a
// successful send. It reports whether s counts as notified afterwards.
func (e *AlertEngine) alert(ctx context.Context, logger *zap.Logger, report *CycleReport, s models.Sonde, d float64) bool {
	seen, err := e.ledger.Contains(s.ID)
	if err != nil {
		report.LedgerErrors++
		logger.Error("ledger read failed, treating sonde as not notified", zap.String("id", s.ID), zap.Error(err))
	}
	if seen {
		report.AlreadyNotified++
		return true
	}

	if l := e.settings.NotifyLimiter; l != nil {
		if err := l.Wait(ctx); err != nil {
			report.NotifyFailed++
			logger.Warn("notification deferred to next cycle", zap.String("id", s.ID), zap.Error(err))
			return false
		}
	}

	if err := e.notifier.Send(ctx, s, d); err != nil {
		report.NotifyFailed++
		var ne *notifier.NotifyError
		if !errors.As(err, &ne) {
			err = &notifier.NotifyError{ID: s.ID, Err: err}
		}
		logger.Warn("notification failed, will retry next cycle",
			zap.String("id", s.ID),
			zap.Float64("distance_km", d),
			zap.Error(err),
		)
		return false
	}
	report.Notified++
	logger.Info("notification sent", zap.String("id", s.ID), zap.Float64("distance_km", d))

	if err := e.ledger.Record(s.ID); err != nil {
		report.LedgerErrors++
		logger.Error("ledger write failed, sonde may be notified again after restart",
			zap.String("id", s.ID),
			zap.Error(err),
		)
	}

	ev := models.NotificationEvent{ID: s.ID, Sonde: s, DistanceKm: d, SentAt: e.now().UTC()}
	for _, o := range e.observers {
		o.OnNotification(ctx, ev)
	}
	return true
}

func (e *AlertEngine) finish(logger *zap.Logger, report *CycleReport, start time.Time) {
	end := e.now()
	report.Duration = end.Sub(start)
	observability.RecordCycle(report.Outcome, report.Duration, end)
	lifecycle.MarkCycleComplete(end)

	logger.Info("cycle complete",
		zap.String("outcome", report.Outcome),
		zap.Int("fetched", report.Fetched),
		zap.Int("skipped", report.Skipped),
		zap.Int("in_display", report.InDisplay),
		zap.Int("in_alert", report.InAlert),
		zap.Int("notified", report.Notified),
		zap.Int("notify_failed", report.NotifyFailed),
		zap.Int("ledger_errors", report.LedgerErrors),
		zap.Duration("duration", report.Duration),
	)
}
