package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentineld/pkg/contracts/domain"
)

// fakePairStore is a minimal in-memory verify.Store with a global lock,
// which satisfies the per-pair serialization contract.
type fakePairStore struct {
	mu       sync.Mutex
	licenses map[string]*domain.License
	machines map[string]*domain.MachineInstance
	attempts []domain.VerificationAttempt
	failNext bool
}

func newFakePairStore() *fakePairStore {
	return &fakePairStore{
		licenses: make(map[string]*domain.License),
		machines: make(map[string]*domain.MachineInstance),
	}
}

func (f *fakePairStore) put(lic *domain.License) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *lic
	f.licenses[lic.ID] = &c
}

func (f *fakePairStore) license(id string) *domain.License {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.licenses[id]
	return &c
}

func (f *fakePairStore) machine(licenseID, fingerprint string) *domain.MachineInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[licenseID+"/"+fingerprint]
	if !ok {
		return nil
	}
	c := *m
	return &c
}

func (f *fakePairStore) WithPair(ctx context.Context, licenseID, fingerprint string, fn PairFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext {
		f.failNext = false
		return fmt.Errorf("store down")
	}

	view := PairView{}
	if lic, ok := f.licenses[licenseID]; ok {
		c := *lic
		view.License = &c
		if m, ok := f.machines[licenseID+"/"+fingerprint]; ok {
			mc := *m
			view.Machine = &mc
		}
	}

	write, err := fn(ctx, view)
	if err != nil {
		return err
	}
	if write == nil {
		return nil
	}

	key := licenseID + "/" + fingerprint
	if write.MachineSeen != nil {
		if m, ok := f.machines[key]; ok {
			m.LastSeen = write.MachineSeen.At
			m.LastIP = write.MachineSeen.IP
			m.TotalChecks++
		} else {
			f.machines[key] = &domain.MachineInstance{
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
		f.attempts = append(f.attempts, *write.Attempt)
	}
	if write.ExecutionsUsed != nil {
		f.licenses[licenseID].ExecutionsUsed = *write.ExecutionsUsed
	}
	if write.FailedAttempts != nil {
		f.licenses[licenseID].FailedAttempts = *write.FailedAttempts
	}
	return nil
}

func testLicense(id string) *domain.License {
	return &domain.License{
		ID:                      id,
		BinaryID:                "bin-1",
		LicenseType:             domain.LicenseTypePatchable,
		SyncMode:                false,
		NetworkFailureKillCount: 3,
		CheckIntervalMS:         60_000,
		KillMethod:              domain.KillMethodStop,
		CreatedAt:               time.Now().UTC(),
		UpdatedAt:               time.Now().UTC(),
		Version:                 1,
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	logger := newTestLogger()
	return NewEngine(store, nil, logger, nil)
}

const testFingerprint = "machine-fingerprint-01"

func verifyReq(licenseID string, kind domain.CheckKind) Request {
	return Request{
		LicenseID:   licenseID,
		Fingerprint: testFingerprint,
		IP:          "203.0.113.9",
		Kind:        kind,
	}
}

func TestVerifyUnknownLicenseDenies(t *testing.T) {
	store := newFakePairStore()
	engine := testEngine(t, store)

	result, err := engine.Verify(context.Background(), verifyReq("missing", domain.CheckKindStart))
	require.NoError(t, err)

	assert.Equal(t, domain.VerdictDeny, result.Verdict)
	assert.Equal(t, ReasonUnknownLicense, result.Reason)
	assert.Empty(t, store.attempts, "unknown licenses have no row to log against")
	assert.Nil(t, store.machine("missing", testFingerprint))
}

func TestVerifyAllowRecordsStateAtomically(t *testing.T) {
	store := newFakePairStore()
	store.put(testLicense("lic-1"))
	engine := testEngine(t, store)

	result, err := engine.Verify(context.Background(), verifyReq("lic-1", domain.CheckKindStart))
	require.NoError(t, err)

	assert.Equal(t, domain.VerdictAllow, result.Verdict)
	assert.Equal(t, int64(60_000), result.CheckIntervalMS)
	assert.Equal(t, domain.KillMethodStop, result.KillMethod)

	machine := store.machine("lic-1", testFingerprint)
	require.NotNil(t, machine)
	assert.Equal(t, int64(1), machine.TotalChecks)
	assert.Equal(t, "203.0.113.9", machine.LastIP)
	assert.Equal(t, machine.FirstSeen, machine.LastSeen)

	require.Len(t, store.attempts, 1)
	assert.True(t, store.attempts[0].Success)
	assert.True(t, store.attempts[0].WithinGracePeriod)

	lic := store.license("lic-1")
	assert.Equal(t, int64(1), lic.ExecutionsUsed, "start counts toward the budget")
	assert.Equal(t, 0, lic.FailedAttempts)
}

func TestVerifyExecutionCounting(t *testing.T) {
	tests := []struct {
		name     string
		syncMode bool
		kind     domain.CheckKind
		want     int64
	}{
		{"async start counts", false, domain.CheckKindStart, 1},
		{"async heartbeat does not count", false, domain.CheckKindHeartbeat, 0},
		{"sync start counts", true, domain.CheckKindStart, 1},
		{"sync heartbeat counts", true, domain.CheckKindHeartbeat, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakePairStore()
			lic := testLicense("lic-1")
			lic.SyncMode = tt.syncMode
			store.put(lic)
			engine := testEngine(t, store)

			_, err := engine.Verify(context.Background(), verifyReq("lic-1", tt.kind))
			require.NoError(t, err)
			assert.Equal(t, tt.want, store.license("lic-1").ExecutionsUsed)
		})
	}
}

func TestVerifyRevokedKillsAndLogsFailure(t *testing.T) {
	store := newFakePairStore()
	lic := testLicense("lic-1")
	lic.Revoked = true
	lic.KillMethod = domain.KillMethodShred
	store.put(lic)
	engine := testEngine(t, store)

	result, err := engine.Verify(context.Background(), verifyReq("lic-1", domain.CheckKindStart))
	require.NoError(t, err)

	assert.Equal(t, domain.VerdictKill, result.Verdict)
	assert.Equal(t, ReasonRevoked, result.Reason)
	assert.Equal(t, domain.KillMethodShred, result.KillMethod)

	require.Len(t, store.attempts, 1)
	assert.False(t, store.attempts[0].Success)
	assert.Equal(t, ReasonRevoked, store.attempts[0].ErrorMessage)

	assert.Nil(t, store.machine("lic-1", testFingerprint), "failed contacts do not register machines")
	assert.Equal(t, 1, store.license("lic-1").FailedAttempts)
	assert.Equal(t, int64(0), store.license("lic-1").ExecutionsUsed)
}

func TestVerifyRevokeReEnableCycle(t *testing.T) {
	store := newFakePairStore()
	store.put(testLicense("lic-1"))
	engine := testEngine(t, store)
	ctx := context.Background()

	// Healthy contact.
	result, err := engine.Verify(ctx, verifyReq("lic-1", domain.CheckKindStart))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAllow, result.Verdict)

	// Operator revokes.
	store.mu.Lock()
	store.licenses["lic-1"].Revoked = true
	store.mu.Unlock()

	result, err = engine.Verify(ctx, verifyReq("lic-1", domain.CheckKindStart))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictKill, result.Verdict)

	// Operator re-enables; counters survive the cycle.
	store.mu.Lock()
	store.licenses["lic-1"].Revoked = false
	store.mu.Unlock()

	result, err = engine.Verify(ctx, verifyReq("lic-1", domain.CheckKindStart))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAllow, result.Verdict)

	lic := store.license("lic-1")
	assert.Equal(t, int64(2), lic.ExecutionsUsed, "only the two allowed starts consume budget")
	assert.Equal(t, 0, lic.FailedAttempts, "success resets the failure streak")

	machine := store.machine("lic-1", testFingerprint)
	require.NotNil(t, machine)
	assert.Equal(t, int64(2), machine.TotalChecks, "the killed contact does not count as a check")
}

func TestVerifyGatePrecedence(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	limit := int64(1)

	tests := []struct {
		name   string
		mutate func(*domain.License)
		reason string
	}{
		{"revoked wins over expired", func(l *domain.License) {
			l.Revoked = true
			l.ExpiresAt = &past
		}, ReasonRevoked},
		{"expired wins over exec limit", func(l *domain.License) {
			l.ExpiresAt = &past
			l.MaxExecutions = &limit
			l.ExecutionsUsed = 1
		}, ReasonExpired},
		{"exec limit alone", func(l *domain.License) {
			l.MaxExecutions = &limit
			l.ExecutionsUsed = 1
		}, ReasonExecLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakePairStore()
			lic := testLicense("lic-1")
			tt.mutate(lic)
			store.put(lic)
			engine := testEngine(t, store)

			result, err := engine.Verify(context.Background(), verifyReq("lic-1", domain.CheckKindStart))
			require.NoError(t, err)
			assert.Equal(t, domain.VerdictKill, result.Verdict)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	store := newFakePairStore()
	lic := testLicense("lic-1")
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lic.ExpiresAt = &expiry
	store.put(lic)

	engine := testEngine(t, store)

	// One second before expiry: allowed.
	engine.now = func() time.Time { return expiry.Add(-time.Second) }
	result, err := engine.Verify(context.Background(), verifyReq("lic-1", domain.CheckKindHeartbeat))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, result.Verdict)

	// One second after: killed.
	engine.now = func() time.Time { return expiry.Add(time.Second) }
	result, err = engine.Verify(context.Background(), verifyReq("lic-1", domain.CheckKindHeartbeat))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictKill, result.Verdict)
	assert.Equal(t, ReasonExpired, result.Reason)
}

func TestVerifyExecutionLimitBoundary(t *testing.T) {
	store := newFakePairStore()
	lic := testLicense("lic-1")
	limit := int64(2)
	lic.MaxExecutions = &limit
	store.put(lic)
	engine := testEngine(t, store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := engine.Verify(ctx, verifyReq("lic-1", domain.CheckKindStart))
		require.NoError(t, err)
		require.Equal(t, domain.VerdictAllow, result.Verdict, "execution %d", i+1)
	}

	result, err := engine.Verify(ctx, verifyReq("lic-1", domain.CheckKindStart))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictKill, result.Verdict)
	assert.Equal(t, ReasonExecLimit, result.Reason)
	assert.Equal(t, int64(2), store.license("lic-1").ExecutionsUsed, "the killed start consumes nothing")
}

func TestVerifyGraceGapIsAuditOnly(t *testing.T) {
	store := newFakePairStore()
	lic := testLicense("lic-1")
	grace := int64(300)
	lic.GracePeriodSeconds = &grace
	store.put(lic)
	engine := testEngine(t, store)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }
	_, err := engine.Verify(ctx, verifyReq("lic-1", domain.CheckKindStart))
	require.NoError(t, err)

	// Next contact arrives well beyond the grace window. Still ALLOW,
	// but flagged for audit.
	engine.now = func() time.Time { return base.Add(time.Hour) }
	result, err := engine.Verify(ctx, verifyReq("lic-1", domain.CheckKindHeartbeat))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, result.Verdict)

	require.Len(t, store.attempts, 2)
	assert.True(t, store.attempts[0].WithinGracePeriod)
	assert.False(t, store.attempts[1].WithinGracePeriod)
}

func TestVerifyMalformedRequests(t *testing.T) {
	store := newFakePairStore()
	store.put(testLicense("lic-1"))
	engine := testEngine(t, store)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"short fingerprint", Request{LicenseID: "lic-1", Fingerprint: "short", Kind: domain.CheckKindStart}},
		{"whitespace fingerprint", Request{LicenseID: "lic-1", Fingerprint: "bad finger print!", Kind: domain.CheckKindStart}},
		{"unknown kind", Request{LicenseID: "lic-1", Fingerprint: testFingerprint, Kind: "restart"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Verify(ctx, tt.req)
			require.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
	assert.Empty(t, store.attempts, "malformed requests are never logged as attempts")
}

func TestVerifyFailsClosedOnStoreError(t *testing.T) {
	store := newFakePairStore()
	store.put(testLicense("lic-1"))
	store.failNext = true
	engine := testEngine(t, store)

	result, err := engine.Verify(context.Background(), verifyReq("lic-1", domain.CheckKindStart))
	require.Error(t, err)
	assert.Nil(t, result, "a store failure must never surface as a decision")
}

func TestVerifyConcurrentSamePair(t *testing.T) {
	store := newFakePairStore()
	store.put(testLicense("lic-1"))
	engine := testEngine(t, store)

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := engine.Verify(context.Background(), verifyReq("lic-1", domain.CheckKindStart))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers), store.license("lic-1").ExecutionsUsed,
		"serialized pair writes must not lose increments")
	assert.Equal(t, int64(workers), store.machine("lic-1", testFingerprint).TotalChecks)
	assert.Len(t, store.attempts, workers)
}

func TestNormalizeFingerprint(t *testing.T) {
	assert.Equal(t, "abcdef01", NormalizeFingerprint("  ABCdef01 "))
}

func TestValidateFingerprintBounds(t *testing.T) {
	assert.NoError(t, ValidateFingerprint("12345678"))
	assert.Error(t, ValidateFingerprint("1234567"))
	assert.Error(t, ValidateFingerprint(string(make([]byte, 129))))
}
