// Package events defines the websocket wire protocol for the live
// verification feed the dashboard subscribes to.
package events

import (
	"time"

	"sentineld/pkg/contracts/domain"
)

// EventType discriminates feed messages.
type EventType string

const (
	EventVerification  EventType = "verification"
	EventLicenseChange EventType = "license_change"
)

// Envelope wraps every message pushed over the feed.
type Envelope struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// VerificationEvent mirrors one engine decision.
type VerificationEvent struct {
	LicenseID          string         `json:"license_id"`
	BinaryID           string         `json:"binary_id"`
	MachineFingerprint string         `json:"machine_fingerprint"`
	Verdict            domain.Verdict `json:"verdict"`
	Reason             string         `json:"reason,omitempty"`
}

// LicenseChangeEvent notifies dashboards of mutations (revoke,
// re-enable, patch, delete).
type LicenseChangeEvent struct {
	LicenseID string `json:"license_id"`
	Change    string `json:"change"`
}

// NewVerification builds a verification envelope stamped with now.
func NewVerification(ev VerificationEvent) Envelope {
	return Envelope{Type: EventVerification, Timestamp: time.Now().UTC(), Payload: ev}
}

// NewLicenseChange builds a license-change envelope stamped with now.
func NewLicenseChange(licenseID, change string) Envelope {
	return Envelope{
		Type:      EventLicenseChange,
		Timestamp: time.Now().UTC(),
		Payload:   LicenseChangeEvent{LicenseID: licenseID, Change: change},
	}
}
