package calllog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
)

// ── JSON lines store ──────────────────────────────────────────────────────────

var _ Store = (*FileStore)(nil)

// entry is one line of the file. Exactly one field is set.
type entry struct {
	Record   *Record        `json:"record,omitempty"`
	Analysis *analysisEntry `json:"analysis,omitempty"`
}

type analysisEntry struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// FileStore persists records as append-only JSON lines. A later line for the
// same id replaces the earlier one; analyses are separate lines applied on
// read. Reads replay the whole file, which suits a personal call history.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore at path. The file is created on first
// write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save implements [Store].
func (fs *FileStore) Save(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("calllog: save: empty id")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.append(entry{Record: &rec})
}

// Get implements [Store].
func (fs *FileStore) Get(_ context.Context, id string) (Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	recs, err := fs.load()
	if err != nil {
		return Record{}, err
	}
	rec, ok := recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List implements [Store].
func (fs *FileStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	recs, err := fs.load()
	if err != nil {
		return nil, err
	}
	return selectRecords(maps.Values(recs), opts), nil
}

// SetAnalysis implements [Store].
func (fs *FileStore) SetAnalysis(_ context.Context, id, analysis string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	recs, err := fs.load()
	if err != nil {
		return err
	}
	if _, ok := recs[id]; !ok {
		return ErrNotFound
	}
	return fs.append(entry{Analysis: &analysisEntry{ID: id, Text: analysis}})
}

func (fs *FileStore) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("calllog: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("calllog: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("calllog: write: %w", err)
	}
	return nil
}

// load replays the file. A missing file is an empty log; malformed lines are
// skipped so a torn final write does not hide the rest of the history.
func (fs *FileStore) load() (map[string]Record, error) {
	recs := make(map[string]Record)
	f, err := os.Open(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return recs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("calllog: open file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			slog.Warn("calllog: skipping malformed line", "path", fs.path, "line", n, "err", err)
			continue
		}
		switch {
		case e.Record != nil:
			recs[e.Record.ID] = *e.Record
		case e.Analysis != nil:
			if rec, ok := recs[e.Analysis.ID]; ok {
				rec.Analysis = e.Analysis.Text
				recs[e.Analysis.ID] = rec
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("calllog: read file: %w", err)
	}
	return recs, nil
}
