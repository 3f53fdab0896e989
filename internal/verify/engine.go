// Package verify implements the verification engine: the decision
// protocol a protected binary's periodic check runs against, and the
// atomic state advancement that goes with it.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sentineld/pkg/contracts/domain"
)

// Decision reasons recorded on attempts and surfaced to clients.
const (
	ReasonUnknownLicense = "unknown license"
	ReasonRevoked        = "license revoked"
	ReasonExpired        = "license expired"
	ReasonExecLimit      = "execution limit reached"
)

// Request is one verification call after transport-level validation.
// The IP comes from the connection; nothing else the client reports
// influences the decision.
type Request struct {
	LicenseID   string
	Fingerprint string
	IP          string
	Kind        domain.CheckKind
}

// Result is the engine's answer plus the settings the binary should
// adopt. On KILL the kill method tells the binary how to enforce.
type Result struct {
	Verdict         domain.Verdict
	Reason          string
	KillMethod      domain.KillMethod
	CheckIntervalMS int64
	MaxExecutions   *int64
	ExpiresAt       *time.Time
	BinaryID        string
}

// Emitter receives one event per decision. Implementations must not
// block; the websocket hub drops events for slow consumers.
type Emitter interface {
	EmitVerification(licenseID, binaryID, fingerprint string, verdict domain.Verdict, reason string)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) EmitVerification(string, string, string, domain.Verdict, string) {}

// Engine answers "may this machine, with this license, keep running
// right now" and advances all affected state atomically per request.
type Engine struct {
	store   Store
	emitter Emitter
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewEngine creates a verification engine.
func NewEngine(store Store, emitter Emitter, logger *slog.Logger, metrics *Metrics) *Engine {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Engine{
		store:   store,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "verify-engine")),
		metrics: metrics,
		now:     time.Now,
	}
}

// Verify runs the decision protocol for one request. A store failure
// returns an error, never a Result: the caller must fail closed so a
// broken store cannot be read as ALLOW.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	tracer := otel.Tracer("verify-engine")
	ctx, span := tracer.Start(ctx, "engine.verify",
		trace.WithAttributes(
			attribute.String("license.id", req.LicenseID),
			attribute.String("check.kind", string(req.Kind)),
		),
	)
	defer span.End()

	if !domain.ValidCheckKind(req.Kind) {
		return nil, fmt.Errorf("%w: unknown check kind %q", ErrMalformedRequest, req.Kind)
	}
	if err := ValidateFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var result *Result

	err := e.store.WithPair(ctx, req.LicenseID, req.Fingerprint, func(ctx context.Context, view PairView) (*PairWrite, error) {
		if view.License == nil {
			// Terminal and not retryable: there is no row to log
			// against and nothing to advance.
			result = &Result{Verdict: domain.VerdictDeny, Reason: ReasonUnknownLicense}
			return nil, nil
		}
		lic := view.License

		withinGrace := e.withinGrace(lic, view.Machine, now)

		if reason := gate(lic, now); reason != "" {
			result = &Result{
				Verdict:    domain.VerdictKill,
				Reason:     reason,
				KillMethod: lic.KillMethod,
				BinaryID:   lic.BinaryID,
			}
			failed := lic.FailedAttempts + 1
			return &PairWrite{
				Attempt:        e.attempt(req, now, false, reason, withinGrace),
				FailedAttempts: &failed,
			}, nil
		}

		// Healthy contact: upsert the machine, log the attempt,
		// reset the consecutive-failure counter.
		write := &PairWrite{
			MachineSeen: &MachineSeen{At: now, IP: req.IP},
			Attempt:     e.attempt(req, now, true, "", withinGrace),
		}
		zero := 0
		write.FailedAttempts = &zero

		if e.countsAsExecution(lic, req.Kind) {
			used := lic.ExecutionsUsed + 1
			write.ExecutionsUsed = &used
		}

		result = &Result{
			Verdict:         domain.VerdictAllow,
			CheckIntervalMS: lic.CheckIntervalMS,
			KillMethod:      lic.KillMethod,
			MaxExecutions:   lic.MaxExecutions,
			ExpiresAt:       lic.ExpiresAt,
			BinaryID:        lic.BinaryID,
		}
		return write, nil
	})
	if err != nil {
		span.RecordError(err)
		e.logger.ErrorContext(ctx, "verification failed",
			slog.String("license_id", req.LicenseID),
			slog.String("error", err.Error()))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("verify.verdict", string(result.Verdict)),
		attribute.String("verify.reason", result.Reason),
	)
	e.metrics.RecordDecision(ctx, result.Verdict, result.Reason)
	e.emitter.EmitVerification(req.LicenseID, result.BinaryID, req.Fingerprint, result.Verdict, result.Reason)

	e.logger.InfoContext(ctx, "verification decided",
		slog.String("license_id", req.LicenseID),
		slog.String("verdict", string(result.Verdict)),
		slog.String("reason", result.Reason),
		slog.String("kind", string(req.Kind)))

	return result, nil
}

// gate applies the terminal checks in strength order: revocation wins
// over expiry, expiry over the execution budget. All three read one
// locked snapshot, so a revoke committed before this transaction began
// is always visible here.
func gate(lic *domain.License, now time.Time) string {
	switch {
	case lic.Revoked:
		return ReasonRevoked
	case lic.ExpiredAt(now):
		return ReasonExpired
	case lic.ExecutionsExhausted():
		return ReasonExecLimit
	default:
		return ""
	}
}

// withinGrace reports whether this contact arrived inside the offline
// tolerance window. Arrival after grace is an audit flag, not a KILL:
// the server's offline responsibility ends at logging the gap.
func (e *Engine) withinGrace(lic *domain.License, m *domain.MachineInstance, now time.Time) bool {
	if m == nil {
		return true
	}
	grace, finite := lic.GracePeriod()
	if !finite {
		return true
	}
	return now.Sub(m.LastSeen) <= grace
}

// countsAsExecution decides whether this check consumes the execution
// budget. Sync-mode licenses check once per run, so every contact
// counts; async-mode counts process starts and ignores heartbeats.
func (e *Engine) countsAsExecution(lic *domain.License, kind domain.CheckKind) bool {
	if lic.SyncMode {
		return true
	}
	return kind == domain.CheckKindStart
}

func (e *Engine) attempt(req Request, now time.Time, success bool, errMsg string, withinGrace bool) *domain.VerificationAttempt {
	return &domain.VerificationAttempt{
		Timestamp:          now,
		LicenseID:          req.LicenseID,
		MachineFingerprint: req.Fingerprint,
		IPAddress:          req.IP,
		Success:            success,
		ErrorMessage:       errMsg,
		WithinGracePeriod:  withinGrace,
	}
}
