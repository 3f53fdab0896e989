package domain

import "time"

// CheckKind distinguishes a fresh process start from a periodic
// heartbeat. Only starts count toward the execution budget.
type CheckKind string

const (
	CheckKindStart     CheckKind = "start"
	CheckKindHeartbeat CheckKind = "heartbeat"
)

// ValidCheckKind reports whether k is a known check kind.
func ValidCheckKind(k CheckKind) bool {
	return k == CheckKindStart || k == CheckKindHeartbeat
}

// Verdict is the engine's answer to one verification request.
type Verdict string

const (
	// VerdictAllow lets the binary continue running.
	VerdictAllow Verdict = "ALLOW"
	// VerdictDeny tells the binary to stop contacting the server.
	// Used for unknown licenses and malformed requests.
	VerdictDeny Verdict = "DENY"
	// VerdictKill instructs the binary to execute its kill method.
	VerdictKill Verdict = "KILL"
)

// VerificationAttempt is one immutable row of the append-only audit log.
// It is the sole source for telemetry aggregation.
type VerificationAttempt struct {
	ID                 int64     `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	LicenseID          string    `json:"license_id"`
	MachineFingerprint string    `json:"machine_fingerprint"`
	IPAddress          string    `json:"ip_address"`
	Success            bool      `json:"success"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	WithinGracePeriod  bool      `json:"within_grace_period"`
}
