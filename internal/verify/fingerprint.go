package verify

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRequest marks client-input failures. These are rejected
// before any state is touched and never logged as verification
// attempts against a license.
var ErrMalformedRequest = errors.New("malformed verification request")

const (
	minFingerprintLen = 8
	maxFingerprintLen = 128
)

// ValidateFingerprint checks the stable machine identifier embedded in
// the licensed artifact. Fingerprints are opaque hex/base64-ish
// strings; the server only cares that they are printable, bounded, and
// free of whitespace.
func ValidateFingerprint(fp string) error {
	if len(fp) < minFingerprintLen || len(fp) > maxFingerprintLen {
		return fmt.Errorf("%w: fingerprint length %d outside [%d,%d]",
			ErrMalformedRequest, len(fp), minFingerprintLen, maxFingerprintLen)
	}
	for _, r := range fp {
		if r <= ' ' || r > '~' {
			return fmt.Errorf("%w: fingerprint contains invalid character", ErrMalformedRequest)
		}
	}
	return nil
}

// NormalizeFingerprint canonicalizes a fingerprint for storage so the
// same machine never splits into two instances over letter case.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.TrimSpace(fp))
}
