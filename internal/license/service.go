// Package license implements the mutation service: creation, patching,
// revocation and deletion of licenses, with the patchable/readonly
// contract enforced server-side.
package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "sentineld/internal/errors"
	"sentineld/internal/store"
	v1 "sentineld/pkg/contracts/api/v1"
	"sentineld/pkg/contracts/domain"
)

// patchRetries bounds the optimistic-concurrency retry loop. Patches
// race only with the engine's counter updates, so a couple of retries
// is plenty before reporting the conflict to the caller.
const patchRetries = 3

// Store is the persistence surface the service needs.
type Store interface {
	CreateLicense(ctx context.Context, lic *domain.License) error
	GetLicense(ctx context.Context, id string) (*domain.License, error)
	UpdateLicense(ctx context.Context, lic *domain.License) error
	SetRevoked(ctx context.Context, id string, revoked bool, at time.Time) error
	DeleteLicense(ctx context.Context, id string) error
	ListLicenses(ctx context.Context, opts store.ListOptions) ([]domain.License, int, error)
	GetBinary(ctx context.Context, id string) (*domain.Binary, error)
	MachinesByLicense(ctx context.Context, licenseID string) ([]domain.MachineInstance, error)
	RecentAttemptsByLicense(ctx context.Context, licenseID string, limit int) ([]domain.VerificationAttempt, error)
}

// Emitter publishes license-change notifications to the live feed.
type Emitter interface {
	EmitLicenseChange(licenseID, change string)
}

// NopEmitter discards change notifications.
type NopEmitter struct{}

func (NopEmitter) EmitLicenseChange(string, string) {}

// Stats bundles everything behind the per-license stats endpoint.
type Stats struct {
	License  *domain.License
	Machines []domain.MachineInstance
	Recent   []domain.VerificationAttempt
}

// Service owns the license lifecycle outside of verification.
type Service struct {
	store   Store
	cache   *Cache
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the mutation service. cache may be nil to disable
// read caching.
func NewService(st Store, cache *Cache, emitter Emitter, logger *slog.Logger) *Service {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if cache == nil {
		cache = NewCache(0, 0)
	}
	return &Service{
		store:   st,
		cache:   cache,
		emitter: emitter,
		logger:  logger.With(slog.String("component", "license-service")),
		now:     time.Now,
	}
}

// Create mints a new license against an existing binary. The creation
// fields that are fixed forever (type, sync mode, grace period, failure
// kill count) are taken verbatim; expiry is computed from the relative
// expires_in_seconds at call time.
func (s *Service) Create(ctx context.Context, req *v1.CreateLicenseRequest) (*domain.License, error) {
	if !domain.ValidLicenseType(domain.LicenseType(req.LicenseType)) {
		return nil, fmt.Errorf("%w: unknown license type %q", apperrors.ErrInvalidRequest, req.LicenseType)
	}
	if !domain.ValidKillMethod(domain.KillMethod(req.KillMethod)) {
		return nil, fmt.Errorf("%w: unknown kill method %q", apperrors.ErrInvalidRequest, req.KillMethod)
	}
	if _, err := s.store.GetBinary(ctx, req.BinaryID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	lic := &domain.License{
		ID:                      uuid.NewString(),
		BinaryID:                req.BinaryID,
		LicenseType:             domain.LicenseType(req.LicenseType),
		SyncMode:                req.SyncMode,
		NetworkFailureKillCount: req.NetworkFailureKillCount,
		GracePeriodSeconds:      req.GracePeriodSeconds,
		CheckIntervalMS:         req.CheckIntervalMS,
		KillMethod:              domain.KillMethod(req.KillMethod),
		MaxExecutions:           req.MaxExecutions,
		CreatedAt:               now,
		UpdatedAt:               now,
		Version:                 1,
	}
	if req.ExpiresInSeconds != nil {
		exp := now.Add(time.Duration(*req.ExpiresInSeconds) * time.Second)
		lic.ExpiresAt = &exp
	}

	if err := s.store.CreateLicense(ctx, lic); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license created",
		slog.String("license_id", lic.ID),
		slog.String("binary_id", lic.BinaryID),
		slog.String("license_type", string(lic.LicenseType)))
	s.emitter.EmitLicenseChange(lic.ID, "created")
	return lic, nil
}

// Get returns one license, read through the TTL cache.
func (s *Service) Get(ctx context.Context, id string) (*domain.License, error) {
	if lic, ok := s.cache.Get(id); ok {
		return lic, nil
	}
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(lic)
	return lic, nil
}

// Patch applies a partial update to the mutable fields. Readonly
// licenses reject every non-empty patch; revoked or expired licenses
// stay patchable so an operator can fix a limit before re-enabling.
// Concurrent counter updates from the engine are absorbed by reloading
// and retrying on a version conflict.
func (s *Service) Patch(ctx context.Context, id string, patch domain.LicensePatch) (*domain.License, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: patch contains no fields", apperrors.ErrInvalidRequest)
	}
	if patch.KillMethod != nil && !domain.ValidKillMethod(*patch.KillMethod) {
		return nil, fmt.Errorf("%w: unknown kill method %q", apperrors.ErrInvalidRequest, *patch.KillMethod)
	}

	var lastErr error
	for attempt := 0; attempt < patchRetries; attempt++ {
		lic, err := s.store.GetLicense(ctx, id)
		if err != nil {
			return nil, err
		}
		if lic.LicenseType == domain.LicenseTypeReadonly {
			return nil, fmt.Errorf("%w: license %s", apperrors.ErrImmutableLicense, id)
		}

		s.apply(lic, patch)
		err = s.store.UpdateLicense(ctx, lic)
		if errors.Is(err, apperrors.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		s.cache.Invalidate(id)
		s.logger.InfoContext(ctx, "license patched", slog.String("license_id", id))
		s.emitter.EmitLicenseChange(id, "patched")
		return lic, nil
	}
	return nil, lastErr
}

func (s *Service) apply(lic *domain.License, patch domain.LicensePatch) {
	if patch.CheckIntervalMS != nil {
		lic.CheckIntervalMS = *patch.CheckIntervalMS
	}
	if patch.KillMethod != nil {
		lic.KillMethod = *patch.KillMethod
	}
	if patch.ClearMaxExec {
		lic.MaxExecutions = nil
	} else if patch.MaxExecutions != nil {
		v := *patch.MaxExecutions
		lic.MaxExecutions = &v
	}
	if patch.ClearExpiry {
		lic.ExpiresAt = nil
	} else if patch.ExpiresInSeconds != nil {
		exp := s.now().UTC().Add(time.Duration(*patch.ExpiresInSeconds) * time.Second)
		lic.ExpiresAt = &exp
	}
}

// Revoke flips the license into the revoked state. Idempotent; the
// original revocation timestamp survives repeated calls. Revocation is
// available on readonly licenses because it is a lifecycle action, not
// a field mutation.
func (s *Service) Revoke(ctx context.Context, id string) (*domain.License, error) {
	if err := s.store.SetRevoked(ctx, id, true, s.now().UTC()); err != nil {
		return nil, err
	}
	s.cache.Invalidate(id)
	s.logger.InfoContext(ctx, "license revoked", slog.String("license_id", id))
	s.emitter.EmitLicenseChange(id, "revoked")
	return s.store.GetLicense(ctx, id)
}

// ReEnable lifts a revocation. Counters are untouched: executions used
// before the revoke still count against the budget afterwards.
func (s *Service) ReEnable(ctx context.Context, id string) (*domain.License, error) {
	if err := s.store.SetRevoked(ctx, id, false, s.now().UTC()); err != nil {
		return nil, err
	}
	s.cache.Invalidate(id)
	s.logger.InfoContext(ctx, "license re-enabled", slog.String("license_id", id))
	s.emitter.EmitLicenseChange(id, "re-enabled")
	return s.store.GetLicense(ctx, id)
}

// Delete removes a license and all machine and attempt rows under it.
// Only revoked licenses can be deleted; this forces the two-step
// revoke-then-delete flow so a live fleet is never orphaned silently.
func (s *Service) Delete(ctx context.Context, id string) error {
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return err
	}
	if !lic.Revoked {
		return fmt.Errorf("%w: license %s", apperrors.ErrLicenseNotRevoked, id)
	}
	if err := s.store.DeleteLicense(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	s.logger.InfoContext(ctx, "license deleted", slog.String("license_id", id))
	s.emitter.EmitLicenseChange(id, "deleted")
	return nil
}

// List returns one page of licenses plus the total count.
func (s *Service) List(ctx context.Context, opts store.ListOptions) ([]domain.License, int, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PerPage < 1 {
		opts.PerPage = 50
	}
	return s.store.ListLicenses(ctx, opts)
}

// Stats returns the license together with its machine fleet and the
// most recent verification attempts.
func (s *Service) Stats(ctx context.Context, id string, recentLimit int) (*Stats, error) {
	lic, err := s.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	machines, err := s.store.MachinesByLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if recentLimit <= 0 {
		recentLimit = 20
	}
	recent, err := s.store.RecentAttemptsByLicense(ctx, id, recentLimit)
	if err != nil {
		return nil, err
	}
	return &Stats{License: lic, Machines: machines, Recent: recent}, nil
}

// CacheStats exposes cache counters for the health endpoint.
func (s *Service) CacheStats() map[string]interface{} {
	return s.cache.Stats()
}
