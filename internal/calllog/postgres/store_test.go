package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecall/internal/calllog"
	"github.com/MrWong99/livecall/internal/calllog/postgres"
	"github.com/MrWong99/livecall/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LIVECALL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LIVECALL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVECALL_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh store on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS call_lines CASCADE",
		"DROP TABLE IF EXISTS calls CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop %q: %v", stmt, err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func record(id, agent string, start time.Time) calllog.Record {
	return calllog.Record{
		ID:            id,
		AgentID:       agent,
		Voice:         types.VoiceConfig{VoiceName: "Aoede", LanguageCode: "es-ES"},
		StartedAt:     start,
		EndedAt:       start.Add(time.Minute),
		FinalState:    "closed",
		CorrelationID: "4bf92f3577b34da6a3ce929d0e0e4736",
		Lines: []calllog.Line{
			{Role: types.RoleUser, Text: "Hola, ¿quién es?", At: 1500 * time.Millisecond},
			{Role: types.RoleAgent, Text: "Le llamo de parte de Acme.", At: 3 * time.Second},
		},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.Save(ctx, record("c1", "sdr", start)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "sdr" || got.Voice.VoiceName != "Aoede" || got.FinalState != "closed" {
		t.Errorf("record = %+v", got)
	}
	if !got.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
	}
	if len(got.Lines) != 2 || got.Lines[1].Role != types.RoleAgent || got.Lines[0].At != 1500*time.Millisecond {
		t.Errorf("Lines = %+v", got.Lines)
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := record("c1", "sdr", time.Now().UTC())

	_ = store.Save(ctx, rec)
	rec.FinalState = "errored"
	rec.ErrorKind = types.KindTransport.String()
	rec.Lines = rec.Lines[:1]
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _ := store.Get(ctx, "c1")
	if got.FinalState != "errored" || got.ErrorKind != "TRANSPORT_ERROR" {
		t.Errorf("record = %+v", got)
	}
	if len(got.Lines) != 1 {
		t.Errorf("len(Lines) = %d, want 1", len(got.Lines))
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, calllog.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := store.SetAnalysis(context.Background(), "nope", "x"); !errors.Is(err, calllog.ErrNotFound) {
		t.Errorf("SetAnalysis err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListAndAnalysis(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	_ = store.Save(ctx, record("c1", "sdr", base))
	_ = store.Save(ctx, record("c2", "support", base.Add(time.Minute)))
	_ = store.Save(ctx, record("c3", "sdr", base.Add(2*time.Minute)))

	got, err := store.List(ctx, calllog.ListOptions{AgentID: "sdr"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c3" || got[1].ID != "c1" {
		t.Fatalf("List = %+v", got)
	}
	if len(got[0].Lines) != 2 {
		t.Errorf("lines not loaded: %+v", got[0].Lines)
	}

	limited, _ := store.List(ctx, calllog.ListOptions{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "c3" {
		t.Errorf("List(limit 1) = %+v", limited)
	}

	if err := store.SetAnalysis(ctx, "c2", "Sin interés."); err != nil {
		t.Fatalf("SetAnalysis: %v", err)
	}
	c2, _ := store.Get(ctx, "c2")
	if c2.Analysis != "Sin interés." {
		t.Errorf("Analysis = %q", c2.Analysis)
	}
}
