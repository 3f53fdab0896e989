package domain

import (
	"time"
)

// LicenseType fixes the mutability class of a license at creation.
type LicenseType string

const (
	// LicenseTypePatchable allows check_interval_ms, kill_method,
	// max_executions and expires_at to be changed after creation.
	LicenseTypePatchable LicenseType = "patchable"
	// LicenseTypeReadonly rejects every mutation of those fields.
	// Revocation is a separate lifecycle axis and stays available.
	LicenseTypeReadonly LicenseType = "readonly"
)

// KillMethod is the enforcement action a client binary takes on KILL.
type KillMethod string

const (
	KillMethodStop   KillMethod = "stop"
	KillMethodDelete KillMethod = "delete"
	KillMethodShred  KillMethod = "shred"
)

// LicenseState is the effective lifecycle state of a license, computed
// from stored fields at read time rather than stored as its own column.
type LicenseState string

const (
	LicenseStateActive          LicenseState = "active"
	LicenseStateRevoked         LicenseState = "revoked"
	LicenseStateExpired         LicenseState = "expired"
	LicenseStateExecutionsSpent LicenseState = "executions_exhausted"
)

// License is the durable configuration + counter record granting a
// protected binary's right to run.
type License struct {
	ID       string `json:"license_id"`
	BinaryID string `json:"binary_id"`

	// Fixed at creation.
	LicenseType             LicenseType `json:"license_type"`
	SyncMode                bool        `json:"sync_mode"`
	NetworkFailureKillCount int         `json:"network_failure_kill_count"`
	GracePeriodSeconds      *int64      `json:"grace_period"` // nil = unlimited

	// Mutable only while LicenseType is patchable.
	CheckIntervalMS int64      `json:"check_interval_ms"`
	KillMethod      KillMethod `json:"kill_method"`
	MaxExecutions   *int64     `json:"max_executions"`
	ExpiresAt       *time.Time `json:"expires_at"`

	// Runtime counters, owned by the verification engine.
	ExecutionsUsed int64 `json:"executions_used"`
	FailedAttempts int   `json:"failed_attempts"`

	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version guards optimistic concurrency on updates.
	Version int64 `json:"-"`
}

// State computes the effective lifecycle state at the given instant.
// Revoked takes precedence over expired, which takes precedence over
// an exhausted execution budget.
func (l *License) State(now time.Time) LicenseState {
	switch {
	case l.Revoked:
		return LicenseStateRevoked
	case l.ExpiredAt(now):
		return LicenseStateExpired
	case l.ExecutionsExhausted():
		return LicenseStateExecutionsSpent
	default:
		return LicenseStateActive
	}
}

// ExpiredAt reports whether the license expiry has passed.
func (l *License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// ExecutionsExhausted reports whether the execution budget is spent.
func (l *License) ExecutionsExhausted() bool {
	return l.MaxExecutions != nil && l.ExecutionsUsed >= *l.MaxExecutions
}

// GracePeriod returns the configured grace window, or false when the
// license tolerates unlimited offline gaps.
func (l *License) GracePeriod() (time.Duration, bool) {
	if l.GracePeriodSeconds == nil {
		return 0, false
	}
	return time.Duration(*l.GracePeriodSeconds) * time.Second, true
}

// Flagged reports whether the consecutive-failure counter crossed the
// client-side kill threshold. This is a telemetry signal for flaky or
// abusive machines, never an independent KILL trigger.
func (l *License) Flagged() bool {
	return l.NetworkFailureKillCount > 0 && l.FailedAttempts >= l.NetworkFailureKillCount
}

// LicensePatch carries the mutable-field subset of a patch request.
// Nil pointers mean "leave unchanged".
type LicensePatch struct {
	CheckIntervalMS  *int64
	KillMethod       *KillMethod
	MaxExecutions    *int64
	ClearMaxExec     bool
	ExpiresInSeconds *int64
	ClearExpiry      bool
}

// Empty reports whether the patch touches no mutable field.
func (p LicensePatch) Empty() bool {
	return p.CheckIntervalMS == nil && p.KillMethod == nil &&
		p.MaxExecutions == nil && !p.ClearMaxExec &&
		p.ExpiresInSeconds == nil && !p.ClearExpiry
}

// ValidKillMethod reports whether m is one of the known enforcement actions.
func ValidKillMethod(m KillMethod) bool {
	switch m {
	case KillMethodStop, KillMethodDelete, KillMethodShred:
		return true
	}
	return false
}

// ValidLicenseType reports whether t is a known mutability class.
func ValidLicenseType(t LicenseType) bool {
	return t == LicenseTypePatchable || t == LicenseTypeReadonly
}
