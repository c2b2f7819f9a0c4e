// Package calllog records finished voice-agent sessions.
//
// A [Record] is written once, after the session reached a terminal state, and
// may later be annotated with the post-call analysis. Three [Store]
// implementations exist: [MemoryStore] for single-run CLIs and tests,
// [FileStore] for an append-only JSON lines file, and the PostgreSQL store in
// the postgres sub-package.
package calllog

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/livecall/pkg/types"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("calllog: record not found")

// Line is one final transcript line of a call.
type Line struct {
	Role types.Role `json:"role"`
	Text string     `json:"text"`

	// At is the offset from the transport start at which the line was reported.
	At time.Duration `json:"at"`
}

// Record is the log entry for one session.
type Record struct {
	// ID is the session id assigned by the session manager.
	ID      string            `json:"id"`
	AgentID string            `json:"agent_id"`
	Voice   types.VoiceConfig `json:"voice"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// FinalState is the controller state the session ended in ("closed" or
	// "errored").
	FinalState string `json:"final_state"`

	// ErrorKind is empty for sessions that closed normally.
	ErrorKind string `json:"error_kind,omitempty"`

	// CorrelationID is the trace id of the session span, or the session id
	// when tracing is disabled.
	CorrelationID string `json:"correlation_id,omitempty"`

	Lines []Line `json:"lines"`

	// Analysis is the post-call analysis, filled in by [Store.SetAnalysis].
	Analysis string `json:"analysis,omitempty"`
}

// Duration returns how long the session lasted.
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ListOptions filters [Store.List].
type ListOptions struct {
	// AgentID restricts the result to one agent when non-empty.
	AgentID string

	// Limit caps the number of records. Zero means no limit.
	Limit int
}

// Store persists call records. Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts rec, or replaces the record with the same ID.
	Save(ctx context.Context, rec Record) error

	// Get returns the record with the given id or [ErrNotFound].
	Get(ctx context.Context, id string) (Record, error)

	// List returns records newest first.
	List(ctx context.Context, opts ListOptions) ([]Record, error)

	// SetAnalysis attaches the post-call analysis to an existing record.
	SetAnalysis(ctx context.Context, id, analysis string) error
}

// ── In-memory store ───────────────────────────────────────────────────────────

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save implements [Store].
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("calllog: save: empty id")
	}
	rec.Lines = slices.Clone(rec.Lines)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// Get implements [Store].
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Lines = slices.Clone(rec.Lines)
	return rec, nil
}

// List implements [Store].
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectRecords(maps.Values(s.records), opts), nil
}

// selectRecords filters, sorts newest first and limits recs. The returned
// records own their Lines.
func selectRecords(recs iter.Seq[Record], opts ListOptions) []Record {
	var out []Record
	for rec := range recs {
		if opts.AgentID != "" && rec.AgentID != opts.AgentID {
			continue
		}
		rec.Lines = slices.Clone(rec.Lines)
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// SetAnalysis implements [Store].
func (s *MemoryStore) SetAnalysis(_ context.Context, id, analysis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Analysis = analysis
	s.records[id] = rec
	return nil
}
