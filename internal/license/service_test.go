package license

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sentineld/internal/errors"
	"sentineld/internal/store/storetest"
	"sentineld/internal/verify"
	v1 "sentineld/pkg/contracts/api/v1"
	"sentineld/pkg/contracts/domain"
)

type recordingEmitter struct {
	changes []string
}

func (r *recordingEmitter) EmitLicenseChange(licenseID, change string) {
	r.changes = append(r.changes, change)
}

func newTestService(t *testing.T) (*Service, *storetest.Memory, *recordingEmitter) {
	t.Helper()
	mem := storetest.NewMemory()
	emitter := &recordingEmitter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(mem, NewCache(500*time.Millisecond, 128), emitter, logger)

	require.NoError(t, mem.CreateBinary(context.Background(), &domain.Binary{
		ID:        "11111111-1111-4111-8111-111111111111",
		Name:      "payments-agent",
		CreatedAt: time.Now().UTC(),
	}))
	return svc, mem, emitter
}

func createReq(licenseType string) *v1.CreateLicenseRequest {
	return &v1.CreateLicenseRequest{
		BinaryID:                "11111111-1111-4111-8111-111111111111",
		LicenseType:             licenseType,
		SyncMode:                false,
		NetworkFailureKillCount: 3,
		CheckIntervalMS:         60_000,
		KillMethod:              "stop",
	}
}

func TestCreateLicenseDefaults(t *testing.T) {
	svc, _, emitter := newTestService(t)

	lic, err := svc.Create(context.Background(), createReq("patchable"))
	require.NoError(t, err)

	assert.NotEmpty(t, lic.ID)
	assert.Equal(t, domain.LicenseTypePatchable, lic.LicenseType)
	assert.Equal(t, int64(0), lic.ExecutionsUsed)
	assert.Equal(t, 0, lic.FailedAttempts)
	assert.False(t, lic.Revoked)
	assert.Nil(t, lic.ExpiresAt)
	assert.Equal(t, []string{"created"}, emitter.changes)
}

func TestCreateLicenseComputesExpiryFromRelativeSeconds(t *testing.T) {
	svc, _, _ := newTestService(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	req := createReq("patchable")
	seconds := int64(3600)
	req.ExpiresInSeconds = &seconds

	lic, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, lic.ExpiresAt)
	assert.Equal(t, base.Add(time.Hour), *lic.ExpiresAt)
}

func TestCreateLicenseRejectsUnknownBinary(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := createReq("patchable")
	req.BinaryID = "22222222-2222-4222-8222-222222222222"

	_, err := svc.Create(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrBinaryNotFound)
}

func TestPatchAppliesMutableFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	lic, err := svc.Create(context.Background(), createReq("patchable"))
	require.NoError(t, err)

	interval := int64(30_000)
	km := domain.KillMethodShred
	maxExec := int64(50)
	expires := int64(600)
	patched, err := svc.Patch(context.Background(), lic.ID, domain.LicensePatch{
		CheckIntervalMS:  &interval,
		KillMethod:       &km,
		MaxExecutions:    &maxExec,
		ExpiresInSeconds: &expires,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(30_000), patched.CheckIntervalMS)
	assert.Equal(t, domain.KillMethodShred, patched.KillMethod)
	require.NotNil(t, patched.MaxExecutions)
	assert.Equal(t, int64(50), *patched.MaxExecutions)
	require.NotNil(t, patched.ExpiresAt)
	assert.Equal(t, base.Add(10*time.Minute), *patched.ExpiresAt)

	// The cache must not serve the pre-patch value.
	got, err := svc.Get(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), got.CheckIntervalMS)
}

func TestPatchClearsNullableLimits(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := createReq("patchable")
	maxExec := int64(10)
	expires := int64(3600)
	req.MaxExecutions = &maxExec
	req.ExpiresInSeconds = &expires
	lic, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	patched, err := svc.Patch(context.Background(), lic.ID, domain.LicensePatch{
		ClearMaxExec: true,
		ClearExpiry:  true,
	})
	require.NoError(t, err)
	assert.Nil(t, patched.MaxExecutions)
	assert.Nil(t, patched.ExpiresAt)
}

func TestPatchReadonlyLicenseRejected(t *testing.T) {
	svc, mem, _ := newTestService(t)
	lic, err := svc.Create(context.Background(), createReq("readonly"))
	require.NoError(t, err)

	interval := int64(10_000)
	_, err = svc.Patch(context.Background(), lic.ID, domain.LicensePatch{CheckIntervalMS: &interval})
	require.ErrorIs(t, err, apperrors.ErrImmutableLicense)

	// License is untouched.
	stored, err := mem.GetLicense(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), stored.CheckIntervalMS)
	assert.Equal(t, lic.Version, stored.Version)
}

func TestPatchEmptyRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	lic, err := svc.Create(context.Background(), createReq("patchable"))
	require.NoError(t, err)

	_, err = svc.Patch(context.Background(), lic.ID, domain.LicensePatch{})
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

// conflictingStore fails the first UpdateLicense with ErrConflict, as
// if the engine bumped the version between the service's read and
// write.
type conflictingStore struct {
	Store
	conflicts int
}

func (c *conflictingStore) UpdateLicense(ctx context.Context, lic *domain.License) error {
	if c.conflicts > 0 {
		c.conflicts--
		return apperrors.ErrConflict
	}
	return c.Store.UpdateLicense(ctx, lic)
}

func TestPatchRetriesVersionConflict(t *testing.T) {
	mem := storetest.NewMemory()
	require.NoError(t, mem.CreateBinary(context.Background(), &domain.Binary{
		ID: "11111111-1111-4111-8111-111111111111",
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(&conflictingStore{Store: mem, conflicts: 1}, nil, nil, logger)

	lic, err := svc.Create(context.Background(), createReq("patchable"))
	require.NoError(t, err)

	interval := int64(45_000)
	patched, err := svc.Patch(context.Background(), lic.ID, domain.LicensePatch{CheckIntervalMS: &interval})
	require.NoError(t, err)
	assert.Equal(t, int64(45_000), patched.CheckIntervalMS)
}

func TestPatchGivesUpAfterRepeatedConflicts(t *testing.T) {
	mem := storetest.NewMemory()
	require.NoError(t, mem.CreateBinary(context.Background(), &domain.Binary{
		ID: "11111111-1111-4111-8111-111111111111",
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(&conflictingStore{Store: mem, conflicts: 100}, nil, nil, logger)

	lic, err := svc.Create(context.Background(), createReq("patchable"))
	require.NoError(t, err)

	interval := int64(45_000)
	_, err = svc.Patch(context.Background(), lic.ID, domain.LicensePatch{CheckIntervalMS: &interval})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	lic, err := svc.Create(context.Background(), createReq("readonly"))
	require.NoError(t, err)

	first, err := svc.Revoke(context.Background(), lic.ID)
	require.NoError(t, err)
	require.True(t, first.Revoked)
	require.NotNil(t, first.RevokedAt)

	second, err := svc.Revoke(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.True(t, second.Revoked)
	assert.Equal(t, *first.RevokedAt, *second.RevokedAt, "repeat revokes keep the original timestamp")
}

func TestReEnableKeepsCounters(t *testing.T) {
	svc, mem, _ := newTestService(t)
	lic, err := svc.Create(context.Background(), createReq("patchable"))
	require.NoError(t, err)

	// Engine consumed some budget before the revoke.
	used := int64(7)
	require.NoError(t, mem.WithPair(context.Background(), lic.ID, "fingerprint-test-1",
		func(ctx context.Context, view verify.PairView) (*verify.PairWrite, error) {
			return &verify.PairWrite{ExecutionsUsed: &used}, nil
		}))

	_, err = svc.Revoke(context.Background(), lic.ID)
	require.NoError(t, err)

	enabled, err := svc.ReEnable(context.Background(), lic.ID)
	require.NoError(t, err)
	assert.False(t, enabled.Revoked)
	assert.Nil(t, enabled.RevokedAt)
	assert.Equal(t, int64(7), enabled.ExecutionsUsed, "re-enable does not reset the budget")
}

func TestDeleteRequiresPriorRevoke(t *testing.T) {
	svc, _, _ := newTestService(t)
	lic, err := svc.Create(context.Background(), createReq("patchable"))
	require.NoError(t, err)

	err = svc.Delete(context.Background(), lic.ID)
	require.ErrorIs(t, err, apperrors.ErrLicenseNotRevoked)

	_, err = svc.Revoke(context.Background(), lic.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), lic.ID))
	_, err = svc.Get(context.Background(), lic.ID)
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestDeleteUnknownLicense(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Delete(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestCacheServesWithinTTLAndInvalidatesOnMutation(t *testing.T) {
	cache := NewCache(time.Minute, 4)
	lic := &domain.License{ID: "lic-1", CheckIntervalMS: 1000}
	cache.Set(lic)

	got, ok := cache.Get("lic-1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), got.CheckIntervalMS)

	// Cached copies are isolated from caller mutation.
	got.CheckIntervalMS = 9999
	again, ok := cache.Get("lic-1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), again.CheckIntervalMS)

	cache.Invalidate("lic-1")
	_, ok = cache.Get("lic-1")
	assert.False(t, ok)
}

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	cache := NewCache(time.Minute, 2)
	cache.Set(&domain.License{ID: "a"})
	cache.Set(&domain.License{ID: "b"})
	cache.Set(&domain.License{ID: "c"})

	_, okA := cache.Get("a")
	_, okC := cache.Get("c")
	assert.False(t, okA, "oldest entry is evicted")
	assert.True(t, okC)
}
