package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnalyticsReport is the Telemetry Aggregator output consumed by the
// dashboard. It is a pure function of the attempt log plus license and
// binary records; recomputing it at any cadence yields the same result
// for the same window.
type AnalyticsReport struct {
	Window         AnalyticsWindow      `json:"window"`
	TotalAttempts  int64                `json:"total_attempts"`
	Successes      int64                `json:"successes"`
	SuccessRate    decimal.Decimal      `json:"success_rate"` // percentage, 1dp
	HourlyActivity []HourlyBucket       `json:"hourly_activity"`
	LicenseStatus  LicenseStatusRollup  `json:"license_status"`
	TopBinaries    []BinaryRank         `json:"top_binaries"`
	Geographic     []GeoSlice           `json:"geographic_distribution"`
	GrowthRate     decimal.Decimal      `json:"growth_rate"` // percent vs prior window
	GeneratedAt    time.Time            `json:"generated_at"`
}

// AnalyticsWindow bounds the attempts considered by a report.
type AnalyticsWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// HourlyBucket counts attempts for one hour-of-day slot (0-23).
type HourlyBucket struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// LicenseStatusRollup partitions all licenses by effective state.
// Revoked takes precedence over expired when both apply.
type LicenseStatusRollup struct {
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}

// BinaryRank is one entry of the top-binaries leaderboard, ranked by
// total execution count with ties broken by earliest creation.
type BinaryRank struct {
	BinaryID   string `json:"binary_id"`
	Name       string `json:"name"`
	Executions int64  `json:"executions"`
}

// GeoSlice is one country's share of verification traffic.
type GeoSlice struct {
	Country    string          `json:"country"`
	Count      int64           `json:"count"`
	Percentage decimal.Decimal `json:"percentage"`
}

// DashboardSummary is the condensed rollup behind the dashboard landing
// page: entity counts plus the most active licenses.
type DashboardSummary struct {
	Licenses       int             `json:"licenses"`
	Binaries       int             `json:"binaries"`
	Machines       int64           `json:"machines"`
	AttemptsToday  int64           `json:"attempts_today"`
	MostActive     []LicenseUsage  `json:"most_active_licenses"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// LicenseUsage pairs a license with its total check volume.
type LicenseUsage struct {
	LicenseID string `json:"license_id"`
	BinaryID  string `json:"binary_id"`
	Checks    int64  `json:"total_checks"`
}
