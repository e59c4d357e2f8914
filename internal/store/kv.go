package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when a kv row is absent or expired.
var ErrKeyNotFound = errors.New("store: key not found")

// GetKV returns the value under key if it has not expired at nowMs.
func (s *Store) GetKV(ctx context.Context, key string, nowMs int64) ([]byte, error) {
	var value []byte
	err := s.reader.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE key = ? AND expires_at_ms > ?", key, nowMs,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("store: get kv %s: %w", key, err)
	}
	return value, nil
}

// SetKV stores value under key until expiresAtMs.
func (s *Store) SetKV(ctx context.Context, key string, value []byte, expiresAtMs int64) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms`,
		key, value, expiresAtMs,
	)
	if err != nil {
		return fmt.Errorf("store: set kv %s: %w", key, err)
	}
	return nil
}

// UpdateKV reads key and writes fn's result inside one writer transaction.
// The single writer connection serialises concurrent updates. A nil result
// from fn leaves the row untouched.
func (s *Store) UpdateKV(ctx context.Context, key string, nowMs, expiresAtMs int64, fn func(cur []byte, found bool) ([]byte, error)) ([]byte, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: update kv %s: begin: %w", key, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cur []byte
	found := true
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE key = ? AND expires_at_ms > ?", key, nowMs,
	).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		cur, found = nil, false
	} else if err != nil {
		return nil, fmt.Errorf("store: update kv %s: read: %w", key, err)
	}

	next, err := fn(cur, found)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms`,
		key, next, expiresAtMs,
	); err != nil {
		return nil, fmt.Errorf("store: update kv %s: write: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: update kv %s: commit: %w", key, err)
	}
	return next, nil
}

// DeleteKV removes key.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.writer.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: delete kv %s: %w", key, err)
	}
	return nil
}
