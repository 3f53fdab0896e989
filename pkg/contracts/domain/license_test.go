package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func int64Ptr(v int64) *int64 { return &v }

func TestLicenseStatePrecedence(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		lic  License
		want LicenseState
	}{
		{
			name: "active by default",
			lic:  License{},
			want: LicenseStateActive,
		},
		{
			name: "revoked wins over expired and exhausted",
			lic: License{
				Revoked:        true,
				ExpiresAt:      &past,
				MaxExecutions:  int64Ptr(1),
				ExecutionsUsed: 5,
			},
			want: LicenseStateRevoked,
		},
		{
			name: "expired wins over exhausted",
			lic: License{
				ExpiresAt:      &past,
				MaxExecutions:  int64Ptr(1),
				ExecutionsUsed: 5,
			},
			want: LicenseStateExpired,
		},
		{
			name: "exhausted when only the limit is hit",
			lic: License{
				MaxExecutions:  int64Ptr(5),
				ExecutionsUsed: 5,
			},
			want: LicenseStateExecutionsSpent,
		},
		{
			name: "expiry exactly now is still active",
			lic:  License{ExpiresAt: &now},
			want: LicenseStateActive,
		},
		{
			name: "one execution left is still active",
			lic: License{
				MaxExecutions:  int64Ptr(5),
				ExecutionsUsed: 4,
			},
			want: LicenseStateActive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lic.State(now))
		})
	}
}

func TestLicenseFlagged(t *testing.T) {
	lic := License{NetworkFailureKillCount: 3}
	assert.False(t, lic.Flagged())

	lic.FailedAttempts = 2
	assert.False(t, lic.Flagged())

	lic.FailedAttempts = 3
	assert.True(t, lic.Flagged())
}

func TestMachineStatus(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	interval := License{
		CheckIntervalMS:    60_000,
		GracePeriodSeconds: int64Ptr(120),
	}

	tests := []struct {
		name    string
		lic     License
		machine MachineInstance
		want    MachineStatus
	}{
		{
			name:    "seen within interval plus grace",
			lic:     interval,
			machine: MachineInstance{LastSeen: now.Add(-2 * time.Minute), TotalChecks: 10},
			want:    MachineStatusActive,
		},
		{
			name:    "silent past the window",
			lic:     interval,
			machine: MachineInstance{LastSeen: now.Add(-10 * time.Minute), TotalChecks: 10},
			want:    MachineStatusInactive,
		},
		{
			name:    "unlimited grace never goes inactive",
			lic:     License{CheckIntervalMS: 60_000},
			machine: MachineInstance{LastSeen: now.Add(-24 * time.Hour), TotalChecks: 10},
			want:    MachineStatusActive,
		},
		{
			name:    "sync mode with a single check has no interval to judge",
			lic:     License{SyncMode: true, CheckIntervalMS: 60_000, GracePeriodSeconds: int64Ptr(120)},
			machine: MachineInstance{LastSeen: now.Add(-24 * time.Hour), TotalChecks: 1},
			want:    MachineStatusUnknown,
		},
		{
			name:    "missing interval",
			lic:     License{},
			machine: MachineInstance{LastSeen: now, TotalChecks: 10},
			want:    MachineStatusUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.machine.Status(&tt.lic, now))
		})
	}
}

func TestLicensePatchEmpty(t *testing.T) {
	assert.True(t, LicensePatch{}.Empty())
	assert.False(t, LicensePatch{ClearExpiry: true}.Empty())
	assert.False(t, LicensePatch{CheckIntervalMS: int64Ptr(5000)}.Empty())
}
