package domain

import "time"

// MachineStatus is derived at read time from last_seen against the
// license's effective check interval and grace period.
type MachineStatus string

const (
	MachineStatusActive   MachineStatus = "active"
	MachineStatusInactive MachineStatus = "inactive"
	MachineStatusUnknown  MachineStatus = "unknown"
)

// MachineInstance tracks one installation of a licensed binary, keyed
// by (license_id, machine_fingerprint). Created on first verification
// attempt; lives for the life of the license.
type MachineInstance struct {
	LicenseID   string    `json:"license_id"`
	Fingerprint string    `json:"machine_fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	TotalChecks int64     `json:"total_checks"`
	LastIP      string    `json:"last_ip"`
}

// Status computes the liveness of this machine against the owning
// license. Sync-mode licenses with a single historical check have no
// applicable interval and report unknown.
func (m *MachineInstance) Status(lic *License, now time.Time) MachineStatus {
	if lic.SyncMode && m.TotalChecks <= 1 {
		return MachineStatusUnknown
	}
	if lic.CheckIntervalMS <= 0 {
		return MachineStatusUnknown
	}

	window := time.Duration(lic.CheckIntervalMS) * time.Millisecond
	if grace, ok := lic.GracePeriod(); ok {
		window += grace
	} else {
		// Unlimited grace: the machine never goes inactive.
		return MachineStatusActive
	}

	if now.Sub(m.LastSeen) <= window {
		return MachineStatusActive
	}
	return MachineStatusInactive
}
