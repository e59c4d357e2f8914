package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BreakerState is the persisted breaker snapshot for one
// (provider, model, endpoint).
type BreakerState struct {
	ProviderID       string `json:"provider_id"`
	ModelID          string `json:"model_id"`
	Endpoint         string `json:"endpoint"`
	BreakerState     string `json:"breaker_state"`
	IsDeranked       bool   `json:"is_deranked"`
	OpenUntilMs      int64  `json:"open_until_ms"`
	OpenUntil        string `json:"open_until,omitempty"`
	LastTransitionAt string `json:"last_transition_at"`
	UpdatedAt        string `json:"updated_at"`
	LastReason       string `json:"last_reason"`
}

// UpsertBreakerState inserts or replaces the row for the state's key. A row
// whose last transition is newer than b's is left alone, so transitions
// delivered out of order cannot roll the state back.
func (s *Store) UpsertBreakerState(ctx context.Context, b *BreakerState) error {
	var openUntil sql.NullString
	if b.OpenUntil != "" {
		openUntil = sql.NullString{String: b.OpenUntil, Valid: true}
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO gateway_provider_health_states (
			provider_id, model_id, endpoint, breaker_state, is_deranked,
			open_until_ms, open_until, last_transition_at, updated_at, last_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, model_id, endpoint) DO UPDATE SET
			breaker_state = excluded.breaker_state,
			is_deranked = excluded.is_deranked,
			open_until_ms = excluded.open_until_ms,
			open_until = excluded.open_until,
			last_transition_at = excluded.last_transition_at,
			updated_at = excluded.updated_at,
			last_reason = excluded.last_reason
		WHERE gateway_provider_health_states.last_transition_at <= excluded.last_transition_at`,
		b.ProviderID, b.ModelID, b.Endpoint, b.BreakerState, boolToInt(b.IsDeranked),
		b.OpenUntilMs, openUntil, b.LastTransitionAt, b.UpdatedAt, b.LastReason,
	)
	if err != nil {
		return fmt.Errorf("store: upsert breaker state %s/%s/%s: %w", b.Endpoint, b.ModelID, b.ProviderID, err)
	}
	return nil
}

// ListBreakerStates returns persisted breaker states, most recently updated
// first. When onlyDeranked is set, only providers currently excluded are
// returned.
func (s *Store) ListBreakerStates(ctx context.Context, onlyDeranked bool) ([]*BreakerState, error) {
	q := `
		SELECT provider_id, model_id, endpoint, breaker_state, is_deranked,
		       open_until_ms, COALESCE(open_until, ''), last_transition_at, updated_at, last_reason
		FROM gateway_provider_health_states`
	if onlyDeranked {
		q += " WHERE is_deranked = 1"
	}
	q += " ORDER BY updated_at DESC"

	rows, err := s.reader.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list breaker states: %w", err)
	}
	defer rows.Close()

	var results []*BreakerState
	for rows.Next() {
		b := &BreakerState{}
		var deranked int
		if err := rows.Scan(
			&b.ProviderID, &b.ModelID, &b.Endpoint, &b.BreakerState, &deranked,
			&b.OpenUntilMs, &b.OpenUntil, &b.LastTransitionAt, &b.UpdatedAt, &b.LastReason,
		); err != nil {
			return nil, fmt.Errorf("store: scan breaker state row: %w", err)
		}
		b.IsDeranked = deranked != 0
		results = append(results, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list breaker states iteration: %w", err)
	}
	return results, nil
}

// GetBreakerState returns the row for one key. Returns sql.ErrNoRows (wrapped)
// if absent.
func (s *Store) GetBreakerState(ctx context.Context, providerID, modelID, endpoint string) (*BreakerState, error) {
	b := &BreakerState{}
	var deranked int
	err := s.reader.QueryRowContext(ctx, `
		SELECT provider_id, model_id, endpoint, breaker_state, is_deranked,
		       open_until_ms, COALESCE(open_until, ''), last_transition_at, updated_at, last_reason
		FROM gateway_provider_health_states
		WHERE provider_id = ? AND model_id = ? AND endpoint = ?`,
		providerID, modelID, endpoint,
	).Scan(
		&b.ProviderID, &b.ModelID, &b.Endpoint, &b.BreakerState, &deranked,
		&b.OpenUntilMs, &b.OpenUntil, &b.LastTransitionAt, &b.UpdatedAt, &b.LastReason,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get breaker state %s/%s/%s: %w", endpoint, modelID, providerID, err)
	}
	b.IsDeranked = deranked != 0
	return b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed width so stored timestamps order as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
