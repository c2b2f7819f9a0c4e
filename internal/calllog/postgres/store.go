package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecall/internal/calllog"
	"github.com/MrWong99/livecall/pkg/types"
)

var _ calllog.Store = (*Store)(nil)

// Store is a [calllog.Store] backed by a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save implements [calllog.Store]. The record and its lines are written in one
// transaction; an existing record with the same id is replaced.
func (s *Store) Save(ctx context.Context, rec calllog.Record) error {
	if rec.ID == "" {
		return errors.New("calllog store: save: empty id")
	}

	const upsert = `
		INSERT INTO calls
		    (id, agent_id, voice_name, language_code, started_at, ended_at,
		     final_state, error_kind, correlation_id, analysis)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    agent_id       = EXCLUDED.agent_id,
		    voice_name     = EXCLUDED.voice_name,
		    language_code  = EXCLUDED.language_code,
		    started_at     = EXCLUDED.started_at,
		    ended_at       = EXCLUDED.ended_at,
		    final_state    = EXCLUDED.final_state,
		    error_kind     = EXCLUDED.error_kind,
		    correlation_id = EXCLUDED.correlation_id,
		    analysis       = EXCLUDED.analysis`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsert,
			rec.ID,
			rec.AgentID,
			rec.Voice.VoiceName,
			rec.Voice.LanguageCode,
			rec.StartedAt,
			nullTime(rec.EndedAt),
			rec.FinalState,
			rec.ErrorKind,
			rec.CorrelationID,
			rec.Analysis,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM call_lines WHERE call_id = $1`, rec.ID); err != nil {
			return err
		}
		if len(rec.Lines) == 0 {
			return nil
		}

		rows := make([][]any, len(rec.Lines))
		for i, l := range rec.Lines {
			rows[i] = []any{rec.ID, i, string(l.Role), l.Text, l.At.Nanoseconds()}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"call_lines"},
			[]string{"call_id", "seq", "role", "text", "offset_ns"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("calllog store: save: %w", err)
	}
	return nil
}

// Get implements [calllog.Store].
func (s *Store) Get(ctx context.Context, id string) (calllog.Record, error) {
	rows, err := s.pool.Query(ctx, selectCalls+"WHERE id = $1", id)
	if err != nil {
		return calllog.Record{}, fmt.Errorf("calllog store: get: %w", err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return calllog.Record{}, err
	}
	if len(recs) == 0 {
		return calllog.Record{}, calllog.ErrNotFound
	}
	if err := s.loadLines(ctx, recs); err != nil {
		return calllog.Record{}, err
	}
	return recs[0], nil
}

// List implements [calllog.Store].
func (s *Store) List(ctx context.Context, opts calllog.ListOptions) ([]calllog.Record, error) {
	var args []any
	q := selectCalls
	if opts.AgentID != "" {
		args = append(args, opts.AgentID)
		q += fmt.Sprintf("WHERE agent_id = $%d\n", len(args))
	}
	q += "ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calllog store: list: %w", err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadLines(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// SetAnalysis implements [calllog.Store].
func (s *Store) SetAnalysis(ctx context.Context, id, analysis string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE calls SET analysis = $2 WHERE id = $1`, id, analysis)
	if err != nil {
		return fmt.Errorf("calllog store: set analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return calllog.ErrNotFound
	}
	return nil
}

const selectCalls = `
SELECT id, agent_id, voice_name, language_code, started_at, ended_at,
       final_state, error_kind, correlation_id, analysis
FROM   calls
`

func collectRecords(rows pgx.Rows) ([]calllog.Record, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Record, error) {
		var (
			r     calllog.Record
			ended *time.Time
		)
		if err := row.Scan(
			&r.ID,
			&r.AgentID,
			&r.Voice.VoiceName,
			&r.Voice.LanguageCode,
			&r.StartedAt,
			&ended,
			&r.FinalState,
			&r.ErrorKind,
			&r.CorrelationID,
			&r.Analysis,
		); err != nil {
			return calllog.Record{}, err
		}
		if ended != nil {
			r.EndedAt = *ended
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("calllog store: scan calls: %w", err)
	}
	if recs == nil {
		recs = []calllog.Record{}
	}
	return recs, nil
}

// loadLines fills Lines for every record in recs with one query.
func (s *Store) loadLines(ctx context.Context, recs []calllog.Record) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, len(recs))
	index := make(map[string]int, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
		index[r.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT call_id, role, text, offset_ns
		FROM   call_lines
		WHERE  call_id = ANY($1)
		ORDER  BY call_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("calllog store: load lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			callID, role, text string
			offset             int64
		)
		if err := rows.Scan(&callID, &role, &text, &offset); err != nil {
			return fmt.Errorf("calllog store: scan lines: %w", err)
		}
		i := index[callID]
		recs[i].Lines = append(recs[i].Lines, calllog.Line{
			Role: types.Role(role),
			Text: text,
			At:   time.Duration(offset),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("calllog store: load lines: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
