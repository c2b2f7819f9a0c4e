// Package postgres provides a PostgreSQL-backed [calllog.Store].
//
// Records live in the calls table, transcript lines in call_lines. [Migrate]
// creates both and is run by [NewStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Save(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id              TEXT         PRIMARY KEY,
    agent_id        TEXT         NOT NULL,
    voice_name      TEXT         NOT NULL DEFAULT '',
    language_code   TEXT         NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ,
    final_state     TEXT         NOT NULL,
    error_kind      TEXT         NOT NULL DEFAULT '',
    correlation_id  TEXT         NOT NULL DEFAULT '',
    analysis        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_agent_started
    ON calls (agent_id, started_at DESC);

CREATE INDEX IF NOT EXISTS idx_calls_started
    ON calls (started_at DESC);
`

const ddlCallLines = `
CREATE TABLE IF NOT EXISTS call_lines (
    call_id   TEXT    NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    seq       INT     NOT NULL,
    role      TEXT    NOT NULL,
    text      TEXT    NOT NULL,
    offset_ns BIGINT  NOT NULL DEFAULT 0,
    PRIMARY KEY (call_id, seq)
);
`

// Migrate creates the call log tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlCallLines} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("calllog migrate: %w", err)
		}
	}
	return nil
}
