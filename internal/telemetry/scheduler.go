package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sentineld/pkg/contracts/domain"
)

// Scheduler refreshes a rolling analytics snapshot on a cron schedule
// so dashboard reads never pay the aggregation cost. Reads between
// refreshes serve the last good snapshot; an on-demand Report call is
// always available for custom windows.
type Scheduler struct {
	aggregator *Aggregator
	window     time.Duration
	logger     *slog.Logger
	cron       *cron.Cron

	mutex    sync.RWMutex
	snapshot *domain.AnalyticsReport
}

// NewScheduler creates a scheduler computing reports over the trailing
// window.
func NewScheduler(aggregator *Aggregator, window time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		aggregator: aggregator,
		window:     window,
		logger:     logger.With(slog.String("component", "telemetry-scheduler")),
		cron:       cron.New(),
	}
}

// Start computes an initial snapshot, then refreshes on schedule.
// schedule accepts cron specs and the @every form.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	s.refresh(ctx)

	_, err := s.cron.AddFunc(schedule, func() { s.refresh(context.Background()) })
	if err != nil {
		return fmt.Errorf("failed to register refresh schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the refresh job, waiting for an in-flight run.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Latest returns the current snapshot, or nil before the first
// successful refresh.
func (s *Scheduler) Latest() *domain.AnalyticsReport {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.snapshot
}

func (s *Scheduler) refresh(ctx context.Context) {
	to := time.Now().UTC()
	window := domain.AnalyticsWindow{From: to.Add(-s.window), To: to}

	report, err := s.aggregator.Report(ctx, window)
	if err != nil {
		// Keep serving the previous snapshot rather than exposing a
		// partial one.
		s.logger.ErrorContext(ctx, "snapshot refresh failed", slog.String("error", err.Error()))
		return
	}

	s.mutex.Lock()
	s.snapshot = report
	s.mutex.Unlock()

	s.logger.DebugContext(ctx, "snapshot refreshed",
		slog.Int64("attempts", report.TotalAttempts),
		slog.Time("from", window.From),
		slog.Time("to", window.To))
}
