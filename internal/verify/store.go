package verify

import (
	"context"
	"time"

	"sentineld/pkg/contracts/domain"
)

// Store is the transactional surface the engine needs. The
// implementation must serialize calls for the same (license,
// fingerprint) pair, hand fn a consistent snapshot of both rows, and
// apply the returned write set atomically. Distinct pairs must not
// block each other.
type Store interface {
	WithPair(ctx context.Context, licenseID, fingerprint string, fn PairFunc) error
}

// PairFunc is the engine's read-decide-write body.
type PairFunc func(ctx context.Context, view PairView) (*PairWrite, error)

// PairView is the locked snapshot handed to PairFunc. License is nil
// for unknown license IDs; Machine is nil on first contact.
type PairView struct {
	License *domain.License
	Machine *domain.MachineInstance
}

// PairWrite is the atomic write set produced by one verification.
// Nil members are skipped. Counter values are absolute, computed
// against the locked snapshot, so the write is a plain store, not a
// read-modify-write.
type PairWrite struct {
	MachineSeen    *MachineSeen
	Attempt        *domain.VerificationAttempt
	ExecutionsUsed *int64
	FailedAttempts *int
}

// MachineSeen records a successful contact: first_seen on insert,
// last_seen refresh and total_checks increment on update.
type MachineSeen struct {
	At time.Time
	IP string
}
