// Package v1 holds the wire contracts of the management and
// verification APIs. Request types carry validate tags consumed by
// go-playground/validator; handlers bind them with go-chi/render.
package v1

import (
	"time"

	"sentineld/pkg/contracts/domain"
)

// VerifyRequest is the machine-facing verification payload. The client
// IP is taken from the connection, never from the body; no other
// client-reported state influences the decision.
type VerifyRequest struct {
	LicenseID          string `json:"license_id" validate:"required,uuid4"`
	MachineFingerprint string `json:"machine_fingerprint" validate:"required,min=8,max=128"`
	Kind               string `json:"kind" validate:"required,oneof=start heartbeat"`
}

// VerifyResponse is the engine's decision plus the patchable settings
// the binary should adopt, enabling live reconfiguration without
// redistribution.
type VerifyResponse struct {
	Verdict         domain.Verdict    `json:"verdict"`
	Reason          string            `json:"reason,omitempty"`
	KillMethod      domain.KillMethod `json:"kill_method,omitempty"`
	CheckIntervalMS int64             `json:"check_interval_ms,omitempty"`
	MaxExecutions   *int64            `json:"max_executions,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	ServerTime      time.Time         `json:"server_time"`
}

// CreateLicenseRequest carries the creation fields. license_type,
// sync_mode, grace_period and network_failure_kill_count are fixed
// forever once the license exists.
type CreateLicenseRequest struct {
	BinaryID                string  `json:"binary_id" validate:"required,uuid4"`
	LicenseType             string  `json:"license_type" validate:"required,oneof=patchable readonly"`
	SyncMode                bool    `json:"sync_mode"`
	GracePeriodSeconds      *int64  `json:"grace_period" validate:"omitempty,min=0"`
	NetworkFailureKillCount int     `json:"network_failure_kill_count" validate:"required,min=1"`
	CheckIntervalMS         int64   `json:"check_interval_ms" validate:"required,min=1000"`
	KillMethod              string  `json:"kill_method" validate:"required,oneof=stop delete shred"`
	MaxExecutions           *int64  `json:"max_executions" validate:"omitempty,min=1"`
	ExpiresInSeconds        *int64  `json:"expires_in_seconds" validate:"omitempty,min=1"`
}

// PatchLicenseRequest updates mutable fields on a patchable license.
// Omitted fields keep their prior values; explicit clear flags drop
// nullable limits.
type PatchLicenseRequest struct {
	CheckIntervalMS  *int64  `json:"check_interval_ms" validate:"omitempty,min=1000"`
	KillMethod       *string `json:"kill_method" validate:"omitempty,oneof=stop delete shred"`
	MaxExecutions    *int64  `json:"max_executions" validate:"omitempty,min=1"`
	ClearMaxExec     bool    `json:"clear_max_executions"`
	ExpiresInSeconds *int64  `json:"expires_in_seconds" validate:"omitempty,min=1"`
	ClearExpiry      bool    `json:"clear_expiry"`
}

// Patch converts the request into the domain patch shape.
func (r *PatchLicenseRequest) Patch() domain.LicensePatch {
	p := domain.LicensePatch{
		CheckIntervalMS:  r.CheckIntervalMS,
		MaxExecutions:    r.MaxExecutions,
		ClearMaxExec:     r.ClearMaxExec,
		ExpiresInSeconds: r.ExpiresInSeconds,
		ClearExpiry:      r.ClearExpiry,
	}
	if r.KillMethod != nil {
		km := domain.KillMethod(*r.KillMethod)
		p.KillMethod = &km
	}
	return p
}

// RegisterBinaryRequest registers a protected artifact's metadata.
type RegisterBinaryRequest struct {
	Name         string `json:"name" validate:"required,min=1,max=255"`
	OriginalSize int64  `json:"original_size" validate:"required,min=1"`
	WrappedSize  int64  `json:"wrapped_size" validate:"required,min=1"`
}

// LicenseResponse is the management view of a license, including its
// computed lifecycle state.
type LicenseResponse struct {
	domain.License
	State   domain.LicenseState `json:"state"`
	Flagged bool                `json:"flagged"`
}

// LicenseStatsResponse backs GET /license/{id}/stats.
type LicenseStatsResponse struct {
	License   LicenseResponse       `json:"license"`
	Instances []MachineInstanceView `json:"instances"`
	Recent    []domain.VerificationAttempt `json:"recent_verifications"`
}

// MachineInstanceView is a machine row plus its derived status.
type MachineInstanceView struct {
	domain.MachineInstance
	Status domain.MachineStatus `json:"status"`
}

// ListLicensesRequest carries pagination and sorting for the license
// listing endpoint.
type ListLicensesRequest struct {
	Page      int    `json:"page" validate:"min=1"`
	PerPage   int    `json:"per_page" validate:"min=1,max=200"`
	SortBy    string `json:"sort_by" validate:"oneof=created_at updated_at executions_used expires_at"`
	SortOrder string `json:"sort_order" validate:"oneof=asc desc"`
}

// ListLicensesResponse is a page of licenses.
type ListLicensesResponse struct {
	Licenses []LicenseResponse `json:"licenses"`
	Page     int               `json:"page"`
	PerPage  int               `json:"per_page"`
	Total    int               `json:"total"`
}

// AttemptsPageResponse is a page of verification attempts for a binary.
type AttemptsPageResponse struct {
	Attempts []domain.VerificationAttempt `json:"attempts"`
	Limit    int                          `json:"limit"`
	Skip     int                          `json:"skip"`
	Total    int64                        `json:"total"`
}

// DownloadTokenResponse returns the one-time token for the two-step
// download flow. The raw token appears here and nowhere else.
type DownloadTokenResponse struct {
	Token     string    `json:"token"`
	BinaryID  string    `json:"binary_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
