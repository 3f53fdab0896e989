package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "sentineld/internal/errors"
	"sentineld/pkg/contracts/domain"
)

// CreateBinary registers a protected artifact's metadata.
func (s *Store) CreateBinary(ctx context.Context, b *domain.Binary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO binaries (id, name, original_size, wrapped_size, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Name, b.OriginalSize, b.WrappedSize, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create binary: %w", err)
	}
	return nil
}

// GetBinary fetches one binary with its derived license count.
func (s *Store) GetBinary(ctx context.Context, id string) (*domain.Binary, error) {
	var b domain.Binary
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.name, b.original_size, b.wrapped_size, b.created_at,
			(SELECT COUNT(*) FROM licenses l WHERE l.binary_id = b.id)
		FROM binaries b WHERE b.id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.OriginalSize, &b.WrappedSize, &b.CreatedAt, &b.LicenseCount)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrBinaryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binary: %w", err)
	}
	return &b, nil
}

// ListBinaries returns every registered binary, newest first, each with
// its derived license count.
func (s *Store) ListBinaries(ctx context.Context) ([]domain.Binary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.name, b.original_size, b.wrapped_size, b.created_at,
			(SELECT COUNT(*) FROM licenses l WHERE l.binary_id = b.id)
		FROM binaries b ORDER BY b.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list binaries: %w", err)
	}
	defer rows.Close()

	var out []domain.Binary
	for rows.Next() {
		var b domain.Binary
		if err := rows.Scan(&b.ID, &b.Name, &b.OriginalSize, &b.WrappedSize, &b.CreatedAt, &b.LicenseCount); err != nil {
			return nil, fmt.Errorf("failed to scan binary: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate binaries: %w", err)
	}
	return out, nil
}

// AllBinaries is ListBinaries for the telemetry aggregator, which does
// not need license counts.
func (s *Store) AllBinaries(ctx context.Context) ([]domain.Binary, error) {
	return s.ListBinaries(ctx)
}

// CountBinaries returns the number of registered binaries.
func (s *Store) CountBinaries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM binaries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count binaries: %w", err)
	}
	return n, nil
}

// CreateDownloadToken stores the hash of a one-time download token.
func (s *Store) CreateDownloadToken(ctx context.Context, t *domain.DownloadToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_tokens (token_hash, binary_id, expires_at, used, created_at)
		VALUES ($1, $2, $3, FALSE, $4)`,
		t.TokenHash, t.BinaryID, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create download token: %w", err)
	}
	return nil
}

// ConsumeDownloadToken marks an unused, unexpired token as used and
// returns the binary it unlocks. The single UPDATE makes consumption
// atomic: two racing downloads cannot both succeed.
func (s *Store) ConsumeDownloadToken(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var binaryID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE download_tokens
		SET used = TRUE
		WHERE token_hash = $1 AND used = FALSE AND expires_at > $2
		RETURNING binary_id`,
		tokenHash, now).Scan(&binaryID)
	if err == sql.ErrNoRows {
		return "", apperrors.ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume download token: %w", err)
	}
	return binaryID, nil
}
