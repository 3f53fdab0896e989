package verify

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"sentineld/pkg/contracts/domain"
)

// Metrics holds the engine's decision counters, exported through the
// Prometheus reader configured in infrastructure.
type Metrics struct {
	decisions metric.Int64Counter
}

// NewMetrics registers the engine instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("verify-engine")
	decisions, err := meter.Int64Counter(
		"verify_decisions_total",
		metric.WithDescription("Total verification decisions by verdict and reason"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{decisions: decisions}, nil
}

// RecordDecision counts one decision. Safe on a nil receiver so tests
// can run without the meter provider.
func (m *Metrics) RecordDecision(ctx context.Context, verdict domain.Verdict, reason string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(verdict)),
		attribute.String("reason", reason),
	))
}
