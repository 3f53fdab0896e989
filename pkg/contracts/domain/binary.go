package domain

import "time"

// Binary is a protected artifact that licenses attach to. The wrapped
// size is the merged (stub + payload) output served to customers.
type Binary struct {
	ID           string    `json:"binary_id"`
	Name         string    `json:"name"`
	OriginalSize int64     `json:"original_size"`
	WrappedSize  int64     `json:"wrapped_size"`
	LicenseCount int       `json:"license_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// DownloadToken is a single-use capability for fetching a merged binary.
// Only the SHA-256 of the token leaves the create call; the raw value is
// returned once to the dashboard and never stored.
type DownloadToken struct {
	TokenHash string    `json:"-"`
	BinaryID  string    `json:"binary_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
