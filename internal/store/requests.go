package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Request is one routed request as recorded after the failover loop ends.
type Request struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	TeamID       string `json:"team_id"`
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	StatusCode   int    `json:"status_code"`
	Attempts     int    `json:"attempts"`
	LatencyMs    int64  `json:"latency_ms"`
	GenerationMs int64  `json:"generation_ms"`
	TokensIn     int64  `json:"tokens_in"`
	TokensOut    int64  `json:"tokens_out"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// ProviderStats aggregates the request log for one provider.
type ProviderStats struct {
	Provider       string  `json:"provider"`
	Requests       int64   `json:"requests"`
	Failures       int64   `json:"failures"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
}

// InsertRequest stores a request record. The caller provides a unique ID
// (the request id).
func (s *Store) InsertRequest(ctx context.Context, r *Request) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO requests (
			id, timestamp, team_id, endpoint, model, provider,
			status_code, attempts, latency_ms, generation_ms,
			tokens_in, tokens_out, error_code
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.TeamID, r.Endpoint, r.Model, r.Provider,
		r.StatusCode, r.Attempts, r.LatencyMs, r.GenerationMs,
		r.TokensIn, r.TokensOut, r.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

const requestColumns = `id, timestamp, team_id, endpoint, model, provider,
	status_code, attempts, latency_ms, generation_ms, tokens_in, tokens_out, error_code`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	r := &Request{}
	err := row.Scan(
		&r.ID, &r.Timestamp, &r.TeamID, &r.Endpoint, &r.Model, &r.Provider,
		&r.StatusCode, &r.Attempts, &r.LatencyMs, &r.GenerationMs,
		&r.TokensIn, &r.TokensOut, &r.ErrorCode,
	)
	return r, err
}

// GetRequest retrieves a single request by its ID.
// Returns sql.ErrNoRows (wrapped) if the request does not exist.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(s.reader.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns a page of requests ordered by timestamp descending.
func (s *Store) ListRequests(ctx context.Context, limit, offset int) ([]*Request, error) {
	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+requestColumns+" FROM requests ORDER BY timestamp DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var results []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan request row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list requests iteration: %w", err)
	}
	return results, nil
}

// GetProviderStats aggregates requests with timestamp >= since, grouped by
// the provider that finally served (or last failed) them.
func (s *Store) GetProviderStats(ctx context.Context, since time.Time) ([]*ProviderStats, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT
			provider,
			COUNT(*),
			COALESCE(SUM(CASE WHEN error_code != '' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(latency_ms), 0.0),
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0)
		FROM requests
		WHERE timestamp >= ?
		GROUP BY provider
		ORDER BY COUNT(*) DESC`, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get provider stats: %w", err)
	}
	defer rows.Close()

	var results []*ProviderStats
	for rows.Next() {
		p := &ProviderStats{}
		if err := rows.Scan(&p.Provider, &p.Requests, &p.Failures, &p.AvgLatencyMs, &p.TotalTokensIn, &p.TotalTokensOut); err != nil {
			return nil, fmt.Errorf("store: scan provider stats row: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: provider stats iteration: %w", err)
	}
	return results, nil
}
