package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// execer is the subset of *pgxpool.Pool used by PostgresSink.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gateway_provider_health_states (
    provider_id        TEXT        NOT NULL,
    model_id           TEXT        NOT NULL,
    endpoint           TEXT        NOT NULL,
    breaker_state      TEXT        NOT NULL,
    is_deranked        BOOLEAN     NOT NULL DEFAULT FALSE,
    open_until_ms      BIGINT      NOT NULL DEFAULT 0,
    open_until         TIMESTAMPTZ,
    last_transition_at TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL,
    last_reason        TEXT        NOT NULL DEFAULT '',
    PRIMARY KEY (provider_id, model_id, endpoint)
)`

const postgresUpsert = `
INSERT INTO gateway_provider_health_states (
    provider_id, model_id, endpoint, breaker_state, is_deranked,
    open_until_ms, open_until, last_transition_at, updated_at, last_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
ON CONFLICT (provider_id, model_id, endpoint) DO UPDATE SET
    breaker_state      = EXCLUDED.breaker_state,
    is_deranked        = EXCLUDED.is_deranked,
    open_until_ms      = EXCLUDED.open_until_ms,
    open_until         = EXCLUDED.open_until,
    last_transition_at = EXCLUDED.last_transition_at,
    updated_at         = EXCLUDED.updated_at,
    last_reason        = EXCLUDED.last_reason
WHERE gateway_provider_health_states.last_transition_at <= EXCLUDED.last_transition_at`

// PostgresSink upserts breaker transitions into
// gateway_provider_health_states.
type PostgresSink struct {
	db   execer
	pool *pgxpool.Pool
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink connects to dsn, verifies the connection, and creates the
// state table if needed.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &PostgresSink{db: pool, pool: pool}, nil
}

// Name implements Sink.
func (p *PostgresSink) Name() string { return "postgres" }

// WriteBreakerState implements Sink. An event older than the stored
// transition does not overwrite it.
func (p *PostgresSink) WriteBreakerState(ctx context.Context, ev BreakerEvent) error {
	_, err := p.db.Exec(ctx, postgresUpsert,
		ev.ProviderID, ev.Model, ev.Endpoint, ev.State, ev.Deranked(),
		ev.OpenUntilMs, ev.OpenUntil(), ev.TransitionAt.UTC(), ev.Reason,
	)
	if err != nil {
		return fmt.Errorf("audit: upsert %s/%s/%s: %w", ev.Endpoint, ev.Model, ev.ProviderID, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresSink) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
