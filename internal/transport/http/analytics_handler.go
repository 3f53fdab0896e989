package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"sentineld/internal/telemetry"
	"sentineld/pkg/contracts/domain"
)

// AnalyticsHandler serves the telemetry aggregator outputs.
type AnalyticsHandler struct {
	aggregator *telemetry.Aggregator
	scheduler  *telemetry.Scheduler
	window     time.Duration
	logger     *slog.Logger
}

// NewAnalyticsHandler creates the analytics handler. scheduler may be
// nil; reports are then computed on demand.
func NewAnalyticsHandler(aggregator *telemetry.Aggregator, scheduler *telemetry.Scheduler, window time.Duration, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		aggregator: aggregator,
		scheduler:  scheduler,
		window:     window,
		logger:     logger.With(slog.String("handler", "analytics")),
	}
}

// Analytics handles GET /analytics. The scheduler's snapshot answers
// when fresh enough; explicit from/to query bounds force a live
// computation over that window.
func (h *AnalyticsHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" && h.scheduler != nil {
		if snapshot := h.scheduler.Latest(); snapshot != nil {
			render.JSON(w, r, snapshot)
			return
		}
	}

	to := time.Now().UTC()
	from := to.Add(-h.window)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			validationProblem(w, r, "from must be RFC 3339")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			validationProblem(w, r, "to must be RFC 3339")
			return
		}
		to = t
	}
	if !from.Before(to) {
		validationProblem(w, r, "from must precede to")
		return
	}

	report, err := h.aggregator.Report(r.Context(), domain.AnalyticsWindow{From: from, To: to})
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, report)
}

// Dashboard handles GET /telemetry/dashboard.
func (h *AnalyticsHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.aggregator.Dashboard(r.Context())
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, summary)
}
