package store

import (
	"context"
	"database/sql"
	"fmt"

	"sentineld/internal/verify"
	"sentineld/pkg/contracts/domain"
)

// WithPair runs fn inside one transaction holding row locks on the
// license and the (license, fingerprint) machine instance. Different
// pairs proceed independently; two requests for the same pair
// serialize on the license row lock. Everything fn asks to write is
// applied atomically or not at all.
func (s *Store) WithPair(ctx context.Context, licenseID, fingerprint string, fn verify.PairFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pair transaction: %w", err)
	}
	defer tx.Rollback()

	view := verify.PairView{}

	row := tx.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = $1 FOR UPDATE`, licenseID)
	lic, err := scanLicense(row)
	switch {
	case err == sql.ErrNoRows:
		// Unknown license: fn still runs so the engine can answer
		// DENY; there is nothing to lock or write.
	case err != nil:
		return fmt.Errorf("failed to lock license row: %w", err)
	default:
		view.License = lic
	}

	if view.License != nil {
		var m domain.MachineInstance
		err = tx.QueryRowContext(ctx,
			`SELECT license_id, fingerprint, first_seen, last_seen, total_checks, last_ip
			 FROM machine_instances
			 WHERE license_id = $1 AND fingerprint = $2 FOR UPDATE`,
			licenseID, fingerprint,
		).Scan(&m.LicenseID, &m.Fingerprint, &m.FirstSeen, &m.LastSeen, &m.TotalChecks, &m.LastIP)
		switch {
		case err == sql.ErrNoRows:
			// First contact from this fingerprint.
		case err != nil:
			return fmt.Errorf("failed to lock machine row: %w", err)
		default:
			view.Machine = &m
		}
	}

	write, err := fn(ctx, view)
	if err != nil {
		return err
	}
	if write == nil {
		return tx.Commit()
	}

	if write.MachineSeen != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO machine_instances (license_id, fingerprint, first_seen, last_seen, total_checks, last_ip)
			VALUES ($1, $2, $3, $3, 1, $4)
			ON CONFLICT (license_id, fingerprint) DO UPDATE
			SET last_seen = EXCLUDED.last_seen,
				last_ip = EXCLUDED.last_ip,
				total_checks = machine_instances.total_checks + 1`,
			licenseID, fingerprint, write.MachineSeen.At, write.MachineSeen.IP)
		if err != nil {
			return fmt.Errorf("failed to upsert machine instance: %w", err)
		}
	}

	if write.Attempt != nil {
		a := write.Attempt
		var errMsg interface{}
		if a.ErrorMessage != "" {
			errMsg = a.ErrorMessage
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO verification_attempts (ts, license_id, machine_fingerprint, ip_address, success, error_message, within_grace_period)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.Timestamp, a.LicenseID, a.MachineFingerprint, a.IPAddress, a.Success, errMsg, a.WithinGracePeriod)
		if err != nil {
			return fmt.Errorf("failed to append verification attempt: %w", err)
		}
	}

	if write.ExecutionsUsed != nil || write.FailedAttempts != nil {
		lic := view.License
		execs := lic.ExecutionsUsed
		if write.ExecutionsUsed != nil {
			execs = *write.ExecutionsUsed
		}
		failed := lic.FailedAttempts
		if write.FailedAttempts != nil {
			failed = *write.FailedAttempts
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE licenses
			SET executions_used = $1, failed_attempts = $2, updated_at = NOW(), version = version + 1
			WHERE id = $3`,
			execs, failed, licenseID)
		if err != nil {
			return fmt.Errorf("failed to update license counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pair transaction: %w", err)
	}
	return nil
}
