// Package store implements the durable stores on Postgres: license
// records, machine instances, the append-only verification attempt
// log, binaries and download tokens. All verification-path writes for
// one (license, fingerprint) pair happen inside a single row-locked
// transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"sentineld/internal/config"
)

// Store wraps the Postgres handle. It implements the consumer
// interfaces declared by the verify, license, telemetry and transport
// packages.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and applies the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// Ping reports store reachability, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS binaries (
		id            UUID PRIMARY KEY,
		name          TEXT NOT NULL,
		original_size BIGINT NOT NULL,
		wrapped_size  BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS licenses (
		id                         UUID PRIMARY KEY,
		binary_id                  UUID NOT NULL REFERENCES binaries(id) ON DELETE CASCADE,
		license_type               TEXT NOT NULL CHECK (license_type IN ('patchable','readonly')),
		sync_mode                  BOOLEAN NOT NULL,
		network_failure_kill_count INTEGER NOT NULL CHECK (network_failure_kill_count >= 1),
		grace_period_seconds       BIGINT,
		check_interval_ms          BIGINT NOT NULL,
		kill_method                TEXT NOT NULL CHECK (kill_method IN ('stop','delete','shred')),
		max_executions             BIGINT,
		expires_at                 TIMESTAMPTZ,
		executions_used            BIGINT NOT NULL DEFAULT 0,
		failed_attempts            INTEGER NOT NULL DEFAULT 0,
		revoked                    BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at                 TIMESTAMPTZ,
		created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		version                    BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_licenses_binary ON licenses(binary_id)`,
	`CREATE TABLE IF NOT EXISTS machine_instances (
		license_id   UUID NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
		fingerprint  TEXT NOT NULL,
		first_seen   TIMESTAMPTZ NOT NULL,
		last_seen    TIMESTAMPTZ NOT NULL,
		total_checks BIGINT NOT NULL DEFAULT 0,
		last_ip      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (license_id, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS verification_attempts (
		id                  BIGSERIAL PRIMARY KEY,
		ts                  TIMESTAMPTZ NOT NULL,
		license_id          UUID NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
		machine_fingerprint TEXT NOT NULL,
		ip_address          TEXT NOT NULL,
		success             BOOLEAN NOT NULL,
		error_message       TEXT,
		within_grace_period BOOLEAN NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_license_ts ON verification_attempts(license_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_ts ON verification_attempts(ts)`,
	`CREATE TABLE IF NOT EXISTS download_tokens (
		token_hash TEXT PRIMARY KEY,
		binary_id  UUID NOT NULL REFERENCES binaries(id) ON DELETE CASCADE,
		expires_at TIMESTAMPTZ NOT NULL,
		used       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
