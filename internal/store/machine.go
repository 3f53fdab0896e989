package store

import (
	"context"
	"fmt"

	"sentineld/pkg/contracts/domain"
)

const machineColumns = `license_id, fingerprint, first_seen, last_seen, total_checks, last_ip`

// MachinesByLicense returns every machine instance recorded under a
// license, most recently seen first.
func (s *Store) MachinesByLicense(ctx context.Context, licenseID string) ([]domain.MachineInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machine_instances
		 WHERE license_id = $1 ORDER BY last_seen DESC`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var out []domain.MachineInstance
	for rows.Next() {
		var m domain.MachineInstance
		if err := rows.Scan(&m.LicenseID, &m.Fingerprint, &m.FirstSeen, &m.LastSeen, &m.TotalChecks, &m.LastIP); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate machines: %w", err)
	}
	return out, nil
}

// CountMachines returns the total number of tracked machine instances.
func (s *Store) CountMachines(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machine_instances`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count machines: %w", err)
	}
	return n, nil
}

// TopLicensesByChecks returns the licenses with the highest total check
// volume across their machine fleets.
func (s *Store) TopLicensesByChecks(ctx context.Context, limit int) ([]domain.LicenseUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.license_id, l.binary_id, SUM(m.total_checks) AS checks
		FROM machine_instances m
		JOIN licenses l ON l.id = m.license_id
		GROUP BY m.license_id, l.binary_id
		ORDER BY checks DESC, m.license_id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to rank licenses: %w", err)
	}
	defer rows.Close()

	var out []domain.LicenseUsage
	for rows.Next() {
		var u domain.LicenseUsage
		if err := rows.Scan(&u.LicenseID, &u.BinaryID, &u.Checks); err != nil {
			return nil, fmt.Errorf("failed to scan license usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate license usage: %w", err)
	}
	return out, nil
}
