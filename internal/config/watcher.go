package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

// Change describes one accepted reload.
type Change struct {
	Old, New *Config

	// Restart names the sections that differ but are only read at startup,
	// as returned by [RestartRequired].
	Restart []string
}

// Watcher polls a config file and publishes a [Change] whenever its content
// changed and still validates. Invalid edits are reported and otherwise
// ignored, so the last valid config stays current.
//
// A running session keeps the values it was started with; the next one reads
// [Watcher.Current] (or whatever the onChange callback applied).
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)
	onError  func(error)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	done     chan struct{}
	stopOnce sync.Once
}

// fingerprint identifies a file version. The stat fields are a cheap
// pre-check; sum decides.
type fingerprint struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler receives every rejected reload (unreadable file, YAML or
// validation error). The default logs a warning.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		onError: func(err error) {
			slog.Warn("config watcher: reload rejected", "path", path, "err", err)
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = fp

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.onError(err)
		return
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.Size() == seen.size && info.ModTime().Equal(seen.mtime) {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		// Remember the stat fields so one bad edit is reported once.
		w.mu.Lock()
		w.seen.size, w.seen.mtime = info.Size(), info.ModTime()
		w.mu.Unlock()
		w.onError(err)
		return
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen = fp
		w.mu.Unlock()
		return
	}
	change := Change{Old: w.current, New: cfg, Restart: RestartRequired(w.current, cfg)}
	w.current = cfg
	w.seen = fp
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path, "restart_required", change.Restart)
	if w.onChange != nil {
		w.onChange(change)
	}
}

// read loads and validates the file and fingerprints the bytes it parsed.
func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}

// RestartRequired lists the top-level sections that differ between old and
// next but are only read at startup: the agent backend, the CRM client, the
// call log store and the ops listener. Audio devices, session tuning and the
// log level apply to the next session.
func RestartRequired(old, next *Config) []string {
	var out []string
	if !reflect.DeepEqual(old.Provider, next.Provider) {
		out = append(out, "provider")
	}
	if old.CRM != next.CRM {
		out = append(out, "crm")
	}
	if old.CallLog != next.CallLog {
		out = append(out, "calllog")
	}
	if old.Server.ListenAddr != next.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, next.Server.TLS) {
		out = append(out, "server.listen_addr")
	}
	return out
}
