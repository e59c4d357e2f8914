package store

import (
	"context"
	"fmt"
	"time"
)

// migrations lists the DDL of each schema version in order. A version is
// applied in one transaction together with its row in schema_migrations.
var migrations = [][]string{
	1: {schemaKV, schemaProviderHealthStates, schemaRequests},
	2: {
		`CREATE INDEX IF NOT EXISTS idx_health_states_deranked ON gateway_provider_health_states(is_deranked, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider, timestamp)`,
	},
}

// latestVersion is the schema version Migrate brings a database to.
var latestVersion = len(migrations) - 1

// Migrate applies every migration newer than the database's version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, schemaMigrations); err != nil {
		return fmt.Errorf("store: migrations table: %w", err)
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("store: schema version: %w", err)
	}
	for v := current + 1; v <= latestVersion; v++ {
		if err := s.migrateTo(ctx, v); err != nil {
			return fmt.Errorf("store: migration %d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.writer.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

func (s *Store) migrateTo(ctx context.Context, version int) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ddl := range migrations[version] {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		version, s.now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}
