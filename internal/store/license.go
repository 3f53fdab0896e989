package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "sentineld/internal/errors"
	"sentineld/pkg/contracts/domain"
)

const licenseColumns = `id, binary_id, license_type, sync_mode, network_failure_kill_count,
	grace_period_seconds, check_interval_ms, kill_method, max_executions, expires_at,
	executions_used, failed_attempts, revoked, revoked_at, created_at, updated_at, version`

// CreateLicense inserts a new license row.
func (s *Store) CreateLicense(ctx context.Context, lic *domain.License) error {
	query := `
		INSERT INTO licenses (id, binary_id, license_type, sync_mode, network_failure_kill_count,
			grace_period_seconds, check_interval_ms, kill_method, max_executions, expires_at,
			executions_used, failed_attempts, revoked, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, FALSE, $11, $11, 1)
	`
	_, err := s.db.ExecContext(ctx, query,
		lic.ID, lic.BinaryID, lic.LicenseType, lic.SyncMode, lic.NetworkFailureKillCount,
		lic.GracePeriodSeconds, lic.CheckIntervalMS, lic.KillMethod, lic.MaxExecutions,
		lic.ExpiresAt, lic.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}
	return nil
}

// GetLicense fetches one license by ID.
func (s *Store) GetLicense(ctx context.Context, id string) (*domain.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id)
	lic, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return lic, nil
}

// UpdateLicense writes the mutable fields guarded by the version
// column. Returns ErrConflict when the row changed underneath.
func (s *Store) UpdateLicense(ctx context.Context, lic *domain.License) error {
	query := `
		UPDATE licenses
		SET check_interval_ms = $1, kill_method = $2, max_executions = $3, expires_at = $4,
			revoked = $5, revoked_at = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9
	`
	res, err := s.db.ExecContext(ctx, query,
		lic.CheckIntervalMS, lic.KillMethod, lic.MaxExecutions, lic.ExpiresAt,
		lic.Revoked, lic.RevokedAt, time.Now().UTC(), lic.ID, lic.Version)
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a version miss.
		if _, err := s.GetLicense(ctx, lic.ID); err != nil {
			return err
		}
		return apperrors.ErrConflict
	}
	lic.Version++
	return nil
}

// SetRevoked flips the revocation flag. Idempotent: revoking an
// already-revoked license keeps its original revoked_at.
func (s *Store) SetRevoked(ctx context.Context, id string, revoked bool, at time.Time) error {
	var query string
	if revoked {
		query = `UPDATE licenses
			SET revoked = TRUE, revoked_at = COALESCE(revoked_at, $2), updated_at = $2, version = version + 1
			WHERE id = $1`
	} else {
		query = `UPDATE licenses
			SET revoked = FALSE, revoked_at = NULL, updated_at = $2, version = version + 1
			WHERE id = $1`
	}
	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to set revoked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set revoked: %w", err)
	}
	if n == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

// DeleteLicense hard-deletes the license; machine instances and
// attempts cascade with it.
func (s *Store) DeleteLicense(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete license: %w", err)
	}
	if n == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

// ListOptions carries pagination and sorting for license listings.
type ListOptions struct {
	Page      int
	PerPage   int
	SortBy    string
	SortOrder string
}

var sortColumns = map[string]string{
	"created_at":      "created_at",
	"updated_at":      "updated_at",
	"executions_used": "executions_used",
	"expires_at":      "expires_at",
}

// ListLicenses returns one page of licenses plus the total count.
func (s *Store) ListLicenses(ctx context.Context, opts ListOptions) ([]domain.License, int, error) {
	col, ok := sortColumns[opts.SortBy]
	if !ok {
		col = "created_at"
	}
	order := "DESC"
	if opts.SortOrder == "asc" {
		order = "ASC"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count licenses: %w", err)
	}

	// Sort column and order come from a fixed allowlist above.
	query := fmt.Sprintf(`SELECT %s FROM licenses ORDER BY %s %s LIMIT $1 OFFSET $2`,
		licenseColumns, col, order)
	rows, err := s.db.QueryContext(ctx, query, opts.PerPage, (opts.Page-1)*opts.PerPage)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	licenses, err := collectLicenses(rows)
	if err != nil {
		return nil, 0, err
	}
	return licenses, total, nil
}

// ListLicensesByBinary returns all licenses attached to a binary.
func (s *Store) ListLicensesByBinary(ctx context.Context, binaryID string) ([]domain.License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE binary_id = $1 ORDER BY created_at DESC`,
		binaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses by binary: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// AllLicenses returns every license, used by the telemetry aggregator.
func (s *Store) AllLicenses(ctx context.Context) ([]domain.License, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses`)
	if err != nil {
		return nil, fmt.Errorf("failed to load licenses: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*domain.License, error) {
	var lic domain.License
	err := row.Scan(
		&lic.ID, &lic.BinaryID, &lic.LicenseType, &lic.SyncMode, &lic.NetworkFailureKillCount,
		&lic.GracePeriodSeconds, &lic.CheckIntervalMS, &lic.KillMethod, &lic.MaxExecutions,
		&lic.ExpiresAt, &lic.ExecutionsUsed, &lic.FailedAttempts, &lic.Revoked, &lic.RevokedAt,
		&lic.CreatedAt, &lic.UpdatedAt, &lic.Version)
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

func collectLicenses(rows *sql.Rows) ([]domain.License, error) {
	var out []domain.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		out = append(out, *lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate licenses: %w", err)
	}
	return out, nil
}
