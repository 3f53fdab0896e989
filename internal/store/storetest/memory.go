// Package storetest provides an in-memory store fake implementing the
// consumer interfaces of the verify, license, telemetry and transport
// packages for tests that do not want a Postgres instance.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "sentineld/internal/errors"
	"sentineld/internal/store"
	"sentineld/internal/verify"
	"sentineld/pkg/contracts/domain"
)

type pairKey struct {
	licenseID   string
	fingerprint string
}

// Memory is a thread-safe in-memory store. Pair transactions take the
// global mutex, which trivially satisfies the per-pair serialization
// contract.
type Memory struct {
	mu        sync.Mutex
	licenses  map[string]*domain.License
	machines  map[pairKey]*domain.MachineInstance
	attempts  []domain.VerificationAttempt
	binaries  map[string]*domain.Binary
	tokens    map[string]*domain.DownloadToken
	nextID    int64
	FailPairs bool // force WithPair to fail, for fail-closed tests
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		licenses: make(map[string]*domain.License),
		machines: make(map[pairKey]*domain.MachineInstance),
		binaries: make(map[string]*domain.Binary),
		tokens:   make(map[string]*domain.DownloadToken),
	}
}

// Ping implements the readiness probe surface.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// WithPair implements verify.Store.
func (m *Memory) WithPair(ctx context.Context, licenseID, fingerprint string, fn verify.PairFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPairs {
		return fmt.Errorf("%w: injected failure", apperrors.ErrStoreUnavailable)
	}

	view := verify.PairView{}
	if lic, ok := m.licenses[licenseID]; ok {
		c := *lic
		view.License = &c
	}
	key := pairKey{licenseID, fingerprint}
	if view.License != nil {
		if machine, ok := m.machines[key]; ok {
			c := *machine
			view.Machine = &c
		}
	}

	write, err := fn(ctx, view)
	if err != nil {
		return err
	}
	if write == nil {
		return nil
	}

	if write.MachineSeen != nil {
		if machine, ok := m.machines[key]; ok {
			machine.LastSeen = write.MachineSeen.At
			machine.LastIP = write.MachineSeen.IP
			machine.TotalChecks++
		} else {
			m.machines[key] = &domain.MachineInstance{
				LicenseID:   licenseID,
				Fingerprint: fingerprint,
				FirstSeen:   write.MachineSeen.At,
				LastSeen:    write.MachineSeen.At,
				TotalChecks: 1,
				LastIP:      write.MachineSeen.IP,
			}
		}
	}

	if write.Attempt != nil {
		m.nextID++
		a := *write.Attempt
		a.ID = m.nextID
		m.attempts = append(m.attempts, a)
	}

	if write.ExecutionsUsed != nil || write.FailedAttempts != nil {
		lic := m.licenses[licenseID]
		if write.ExecutionsUsed != nil {
			lic.ExecutionsUsed = *write.ExecutionsUsed
		}
		if write.FailedAttempts != nil {
			lic.FailedAttempts = *write.FailedAttempts
		}
		lic.Version++
	}
	return nil
}

// CreateLicense implements the license store surface.
func (m *Memory) CreateLicense(ctx context.Context, lic *domain.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *lic
	m.licenses[lic.ID] = &c
	return nil
}

// GetLicense returns a copy of one license.
func (m *Memory) GetLicense(ctx context.Context, id string) (*domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[id]
	if !ok {
		return nil, apperrors.ErrLicenseNotFound
	}
	c := *lic
	return &c, nil
}

// UpdateLicense writes mutable fields guarded by the version column.
func (m *Memory) UpdateLicense(ctx context.Context, lic *domain.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.licenses[lic.ID]
	if !ok {
		return apperrors.ErrLicenseNotFound
	}
	if cur.Version != lic.Version {
		return apperrors.ErrConflict
	}
	cur.CheckIntervalMS = lic.CheckIntervalMS
	cur.KillMethod = lic.KillMethod
	cur.MaxExecutions = lic.MaxExecutions
	cur.ExpiresAt = lic.ExpiresAt
	cur.Revoked = lic.Revoked
	cur.RevokedAt = lic.RevokedAt
	cur.UpdatedAt = time.Now().UTC()
	cur.Version++
	lic.Version++
	return nil
}

// SetRevoked flips the revocation flag, keeping the original
// revoked_at on repeat revokes.
func (m *Memory) SetRevoked(ctx context.Context, id string, revoked bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[id]
	if !ok {
		return apperrors.ErrLicenseNotFound
	}
	if revoked {
		lic.Revoked = true
		if lic.RevokedAt == nil {
			lic.RevokedAt = &at
		}
	} else {
		lic.Revoked = false
		lic.RevokedAt = nil
	}
	lic.UpdatedAt = at
	lic.Version++
	return nil
}

// DeleteLicense removes the license and its dependent rows.
func (m *Memory) DeleteLicense(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.licenses[id]; !ok {
		return apperrors.ErrLicenseNotFound
	}
	delete(m.licenses, id)
	for key := range m.machines {
		if key.licenseID == id {
			delete(m.machines, key)
		}
	}
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if a.LicenseID != id {
			kept = append(kept, a)
		}
	}
	m.attempts = kept
	return nil
}

// ListLicenses pages and sorts by created_at only; tests do not need
// the full sort matrix.
func (m *Memory) ListLicenses(ctx context.Context, opts store.ListOptions) ([]domain.License, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]domain.License, 0, len(m.licenses))
	for _, lic := range m.licenses {
		all = append(all, *lic)
	}
	sort.Slice(all, func(i, j int) bool {
		if opts.SortOrder == "asc" {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := (opts.Page - 1) * opts.PerPage
	if start > total {
		start = total
	}
	end := start + opts.PerPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// ListLicensesByBinary returns the licenses attached to a binary.
func (m *Memory) ListLicensesByBinary(ctx context.Context, binaryID string) ([]domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.License
	for _, lic := range m.licenses {
		if lic.BinaryID == binaryID {
			out = append(out, *lic)
		}
	}
	return out, nil
}

// AllLicenses returns every license.
func (m *Memory) AllLicenses(ctx context.Context) ([]domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.License, 0, len(m.licenses))
	for _, lic := range m.licenses {
		out = append(out, *lic)
	}
	return out, nil
}

// MachinesByLicense returns the machine fleet of one license.
func (m *Memory) MachinesByLicense(ctx context.Context, licenseID string) ([]domain.MachineInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MachineInstance
	for key, machine := range m.machines {
		if key.licenseID == licenseID {
			out = append(out, *machine)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

// Machine returns one machine row, for test assertions.
func (m *Memory) Machine(licenseID, fingerprint string) (*domain.MachineInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, ok := m.machines[pairKey{licenseID, fingerprint}]
	if !ok {
		return nil, false
	}
	c := *machine
	return &c, true
}

// CountMachines implements the telemetry reader surface.
func (m *Memory) CountMachines(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.machines)), nil
}

// TopLicensesByChecks ranks licenses by summed machine check counters.
func (m *Memory) TopLicensesByChecks(ctx context.Context, limit int) ([]domain.LicenseUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checks := make(map[string]int64)
	for key, machine := range m.machines {
		checks[key.licenseID] += machine.TotalChecks
	}
	var out []domain.LicenseUsage
	for id, n := range checks {
		usage := domain.LicenseUsage{LicenseID: id, Checks: n}
		if lic, ok := m.licenses[id]; ok {
			usage.BinaryID = lic.BinaryID
		}
		out = append(out, usage)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Checks != out[j].Checks {
			return out[i].Checks > out[j].Checks
		}
		return out[i].LicenseID < out[j].LicenseID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentAttemptsByLicense returns the newest attempts first.
func (m *Memory) RecentAttemptsByLicense(ctx context.Context, licenseID string, limit int) ([]domain.VerificationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.VerificationAttempt
	for i := len(m.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		if m.attempts[i].LicenseID == licenseID {
			out = append(out, m.attempts[i])
		}
	}
	return out, nil
}

// AttemptsByBinary pages the attempt log of a binary, newest first.
func (m *Memory) AttemptsByBinary(ctx context.Context, binaryID string, limit, skip int) ([]domain.VerificationAttempt, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matching []domain.VerificationAttempt
	for i := len(m.attempts) - 1; i >= 0; i-- {
		lic, ok := m.licenses[m.attempts[i].LicenseID]
		if ok && lic.BinaryID == binaryID {
			matching = append(matching, m.attempts[i])
		}
	}
	total := int64(len(matching))
	if skip > len(matching) {
		skip = len(matching)
	}
	matching = matching[skip:]
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, total, nil
}

// AttemptsBetween returns attempts inside [from, to), oldest first.
func (m *Memory) AttemptsBetween(ctx context.Context, from, to time.Time) ([]domain.VerificationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.VerificationAttempt
	for _, a := range m.attempts {
		if !a.Timestamp.Before(from) && a.Timestamp.Before(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

// CountAttemptsSince counts attempts at or after the cutoff.
func (m *Memory) CountAttemptsSince(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.attempts {
		if !a.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// Attempts returns a copy of the full attempt log, for assertions.
func (m *Memory) Attempts() []domain.VerificationAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.VerificationAttempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// AddAttempt seeds an attempt row directly.
func (m *Memory) AddAttempt(a domain.VerificationAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.attempts = append(m.attempts, a)
}

// CreateBinary registers a binary.
func (m *Memory) CreateBinary(ctx context.Context, b *domain.Binary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *b
	m.binaries[b.ID] = &c
	return nil
}

// GetBinary returns one binary with its derived license count.
func (m *Memory) GetBinary(ctx context.Context, id string) (*domain.Binary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.binaries[id]
	if !ok {
		return nil, apperrors.ErrBinaryNotFound
	}
	c := *b
	c.LicenseCount = 0
	for _, lic := range m.licenses {
		if lic.BinaryID == id {
			c.LicenseCount++
		}
	}
	return &c, nil
}

// ListBinaries returns all binaries, newest first.
func (m *Memory) ListBinaries(ctx context.Context) ([]domain.Binary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, lic := range m.licenses {
		counts[lic.BinaryID]++
	}
	out := make([]domain.Binary, 0, len(m.binaries))
	for _, b := range m.binaries {
		c := *b
		c.LicenseCount = counts[b.ID]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AllBinaries implements the telemetry reader surface.
func (m *Memory) AllBinaries(ctx context.Context) ([]domain.Binary, error) {
	return m.ListBinaries(ctx)
}

// CountBinaries returns the number of registered binaries.
func (m *Memory) CountBinaries(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.binaries), nil
}

// CreateDownloadToken stores a token hash.
func (m *Memory) CreateDownloadToken(ctx context.Context, t *domain.DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.tokens[t.TokenHash] = &c
	return nil
}

// ConsumeDownloadToken marks a live token used exactly once.
func (m *Memory) ConsumeDownloadToken(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok || t.Used || !t.ExpiresAt.After(now) {
		return "", apperrors.ErrTokenInvalid
	}
	t.Used = true
	return t.BinaryID, nil
}
