// Package store persists gateway state in SQLite: the kv table that can back
// live health, breaker states mirrored for dashboards, and the routed-request
// log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// readerConns is the size of the read pool.
const readerConns = 4

// Store is a SQLite database opened twice: one writer connection that
// serialises every write and a query_only pool for reads.
type Store struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	s := &Store{path: path, now: time.Now}
	var err error
	if s.writer, err = openDB(path, false, 1); err != nil {
		return nil, fmt.Errorf("store: writer: %w", err)
	}
	if s.reader, err = openDB(path, true, readerConns); err != nil {
		s.writer.Close()
		return nil, fmt.Errorf("store: reader: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openDB(path string, readOnly bool, conns int) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	if readOnly {
		dsn += "&_pragma=query_only(ON)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes both pools. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.writer.Close(), s.reader.Close())
	})
	return s.closeErr
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Ping checks that both pools answer.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("store: writer: %w", err)
	}
	if err := s.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("store: reader: %w", err)
	}
	return nil
}

// Prune deletes request-log rows older than retentionDays and expired kv
// rows, returning how many rows went.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	var total int64
	for _, q := range []struct {
		stmt string
		arg  any
	}{
		{"DELETE FROM requests WHERE timestamp < ?", cutoff},
		{"DELETE FROM kv WHERE expires_at_ms <= ?", now.UnixMilli()},
	} {
		res, err := s.writer.ExecContext(ctx, q.stmt, q.arg)
		if err != nil {
			return total, fmt.Errorf("store: prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
