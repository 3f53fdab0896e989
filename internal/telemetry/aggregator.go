// Package telemetry derives dashboard analytics from the append-only
// verification attempt log. Every figure is a pure function of stored
// rows, so recomputation at any cadence yields identical results.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"sentineld/pkg/contracts/domain"
)

// Reader is the read-only store surface the aggregator consumes.
type Reader interface {
	AttemptsBetween(ctx context.Context, from, to time.Time) ([]domain.VerificationAttempt, error)
	AllLicenses(ctx context.Context) ([]domain.License, error)
	AllBinaries(ctx context.Context) ([]domain.Binary, error)
	CountMachines(ctx context.Context) (int64, error)
	CountBinaries(ctx context.Context) (int, error)
	CountAttemptsSince(ctx context.Context, cutoff time.Time) (int64, error)
	TopLicensesByChecks(ctx context.Context, limit int) ([]domain.LicenseUsage, error)
}

// Aggregator computes analytics reports and dashboard summaries.
type Aggregator struct {
	reader   Reader
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator creates an aggregator. resolver may be nil when no
// GeoIP database is configured; geographic slices then collapse into
// a single "unknown" bucket.
func NewAggregator(reader Reader, resolver Resolver, logger *slog.Logger) *Aggregator {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	return &Aggregator{
		reader:   reader,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "telemetry")),
		now:      time.Now,
	}
}

const topBinariesLimit = 10

// Report builds the full analytics report for one window. The growth
// rate compares the window's attempt volume against the immediately
// preceding window of equal length.
func (a *Aggregator) Report(ctx context.Context, window domain.AnalyticsWindow) (*domain.AnalyticsReport, error) {
	attempts, err := a.reader.AttemptsBetween(ctx, window.From, window.To)
	if err != nil {
		return nil, err
	}

	report := &domain.AnalyticsReport{
		Window:        window,
		TotalAttempts: int64(len(attempts)),
		GeneratedAt:   a.now().UTC(),
	}

	for _, at := range attempts {
		if at.Success {
			report.Successes++
		}
	}
	report.SuccessRate = percentage(report.Successes, report.TotalAttempts)
	report.HourlyActivity = hourlyBuckets(attempts)
	report.Geographic = a.geographic(attempts)

	licenses, err := a.reader.AllLicenses(ctx)
	if err != nil {
		return nil, err
	}
	report.LicenseStatus = statusRollup(licenses, a.now().UTC())

	binaries, err := a.reader.AllBinaries(ctx)
	if err != nil {
		return nil, err
	}
	report.TopBinaries = topBinaries(licenses, binaries, topBinariesLimit)

	span := window.To.Sub(window.From)
	prior, err := a.reader.AttemptsBetween(ctx, window.From.Add(-span), window.From)
	if err != nil {
		return nil, err
	}
	report.GrowthRate = growthRate(int64(len(prior)), report.TotalAttempts)

	return report, nil
}

// Dashboard builds the condensed landing-page summary.
func (a *Aggregator) Dashboard(ctx context.Context) (*domain.DashboardSummary, error) {
	now := a.now().UTC()

	licenses, err := a.reader.AllLicenses(ctx)
	if err != nil {
		return nil, err
	}
	binaries, err := a.reader.CountBinaries(ctx)
	if err != nil {
		return nil, err
	}
	machines, err := a.reader.CountMachines(ctx)
	if err != nil {
		return nil, err
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := a.reader.CountAttemptsSince(ctx, midnight)
	if err != nil {
		return nil, err
	}
	top, err := a.reader.TopLicensesByChecks(ctx, 5)
	if err != nil {
		return nil, err
	}

	return &domain.DashboardSummary{
		Licenses:      len(licenses),
		Binaries:      binaries,
		Machines:      machines,
		AttemptsToday: today,
		MostActive:    top,
		GeneratedAt:   now,
	}, nil
}

// percentage returns part/whole as a percent rounded to one decimal.
func percentage(part, whole int64) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).
		Div(decimal.NewFromInt(whole)).
		Mul(decimal.NewFromInt(100)).
		Round(1)
}

// growthRate is the percent change of cur against prev. A window with
// no prior traffic reports 100% when traffic appeared and 0% otherwise.
func growthRate(prev, cur int64) decimal.Decimal {
	if prev == 0 {
		if cur > 0 {
			return decimal.NewFromInt(100)
		}
		return decimal.Zero
	}
	return decimal.NewFromInt(cur - prev).
		Div(decimal.NewFromInt(prev)).
		Mul(decimal.NewFromInt(100)).
		Round(1)
}

// hourlyBuckets distributes attempts over the 24 hour-of-day slots.
// All 24 buckets are always present so chart axes stay stable.
func hourlyBuckets(attempts []domain.VerificationAttempt) []domain.HourlyBucket {
	buckets := make([]domain.HourlyBucket, 24)
	for i := range buckets {
		buckets[i].Hour = i
	}
	for _, at := range attempts {
		buckets[at.Timestamp.UTC().Hour()].Count++
	}
	return buckets
}

// statusRollup partitions licenses by effective state. Revoked wins
// over expired; a license that merely spent its execution budget still
// counts as active here because it recovers as soon as the budget is
// raised.
func statusRollup(licenses []domain.License, now time.Time) domain.LicenseStatusRollup {
	var r domain.LicenseStatusRollup
	for i := range licenses {
		switch licenses[i].State(now) {
		case domain.LicenseStateRevoked:
			r.Revoked++
		case domain.LicenseStateExpired:
			r.Expired++
		default:
			r.Active++
		}
	}
	return r
}

// topBinaries ranks binaries by the summed execution counters of their
// licenses. Ties break toward the earlier-registered binary.
func topBinaries(licenses []domain.License, binaries []domain.Binary, limit int) []domain.BinaryRank {
	execs := make(map[string]int64, len(binaries))
	for i := range licenses {
		execs[licenses[i].BinaryID] += licenses[i].ExecutionsUsed
	}

	ranks := make([]domain.BinaryRank, 0, len(binaries))
	created := make(map[string]time.Time, len(binaries))
	for _, b := range binaries {
		ranks = append(ranks, domain.BinaryRank{
			BinaryID:   b.ID,
			Name:       b.Name,
			Executions: execs[b.ID],
		})
		created[b.ID] = b.CreatedAt
	}

	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Executions != ranks[j].Executions {
			return ranks[i].Executions > ranks[j].Executions
		}
		return created[ranks[i].BinaryID].Before(created[ranks[j].BinaryID])
	})

	if len(ranks) > limit {
		ranks = ranks[:limit]
	}
	return ranks
}

// geographic buckets attempts by resolved country of the source IP.
func (a *Aggregator) geographic(attempts []domain.VerificationAttempt) []domain.GeoSlice {
	counts := make(map[string]int64)
	for _, at := range attempts {
		country, err := a.resolver.Country(at.IPAddress)
		if err != nil || country == "" {
			country = "unknown"
		}
		counts[country]++
	}

	total := int64(len(attempts))
	slices := make([]domain.GeoSlice, 0, len(counts))
	for country, count := range counts {
		slices = append(slices, domain.GeoSlice{
			Country:    country,
			Count:      count,
			Percentage: percentage(count, total),
		})
	}
	sort.Slice(slices, func(i, j int) bool {
		if slices[i].Count != slices[j].Count {
			return slices[i].Count > slices[j].Count
		}
		return slices[i].Country < slices[j].Country
	})
	return slices
}
