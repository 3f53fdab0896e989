package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sentineld/pkg/contracts/domain"
)

const attemptColumns = `id, ts, license_id, machine_fingerprint, ip_address, success, error_message, within_grace_period`

// RecentAttemptsByLicense returns the newest attempts against one
// license, newest first.
func (s *Store) RecentAttemptsByLicense(ctx context.Context, licenseID string, limit int) ([]domain.VerificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM verification_attempts
		 WHERE license_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
		licenseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// AttemptsByBinary pages through the attempt log of every license under
// a binary, newest first, and returns the total alongside the page.
func (s *Store) AttemptsByBinary(ctx context.Context, binaryID string, limit, skip int) ([]domain.VerificationAttempt, int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM verification_attempts a
		JOIN licenses l ON l.id = a.license_id
		WHERE l.binary_id = $1`, binaryID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count attempts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.ts, a.license_id, a.machine_fingerprint, a.ip_address, a.success, a.error_message, a.within_grace_period
		FROM verification_attempts a
		JOIN licenses l ON l.id = a.license_id
		WHERE l.binary_id = $1
		ORDER BY a.ts DESC, a.id DESC
		LIMIT $2 OFFSET $3`, binaryID, limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to page attempts: %w", err)
	}
	defer rows.Close()

	attempts, err := collectAttempts(rows)
	if err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

// AttemptsBetween streams the attempt rows inside [from, to), oldest
// first. The telemetry aggregator and the CSV exporter both read
// through this.
func (s *Store) AttemptsBetween(ctx context.Context, from, to time.Time) ([]domain.VerificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM verification_attempts
		 WHERE ts >= $1 AND ts < $2 ORDER BY ts ASC, id ASC`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts window: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// CountAttemptsSince counts attempts logged at or after the cutoff.
func (s *Store) CountAttemptsSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verification_attempts WHERE ts >= $1`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n, nil
}

func collectAttempts(rows *sql.Rows) ([]domain.VerificationAttempt, error) {
	var out []domain.VerificationAttempt
	for rows.Next() {
		var a domain.VerificationAttempt
		var errMsg sql.NullString
		err := rows.Scan(&a.ID, &a.Timestamp, &a.LicenseID, &a.MachineFingerprint,
			&a.IPAddress, &a.Success, &errMsg, &a.WithinGracePeriod)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.ErrorMessage = errMsg.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return out, nil
}
