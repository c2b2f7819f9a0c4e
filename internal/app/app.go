// Package app wires the livecall subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates the CRM client, the call
// log and the session manager from the config, the session manager runs one
// voice session at a time, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDirectory,
// WithCallLog, WithStackFactory). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/livecall/internal/calllog"
	"github.com/MrWong99/livecall/internal/calllog/postgres"
	"github.com/MrWong99/livecall/internal/config"
	"github.com/MrWong99/livecall/internal/crm"
	"github.com/MrWong99/livecall/internal/health"
	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/internal/resilience"
	"github.com/MrWong99/livecall/internal/session"
	"github.com/MrWong99/livecall/pkg/audio/capture"
	"github.com/MrWong99/livecall/pkg/audio/playback"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/types"
)

// App owns all subsystem lifetimes.
type App struct {
	reg     *config.Registry
	metrics *observe.Metrics
	prompt  capture.PromptFunc

	mu  sync.RWMutex
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	provider s2s.Provider
	dir      Directory
	calls    calllog.Store
	newStack StackFactory
	sessions *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDirectory injects the CRM backend instead of creating a client from config.
func WithDirectory(d Directory) Option {
	return func(a *App) { a.dir = d }
}

// WithCallLog injects a call log store instead of creating one from config.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.calls = s }
}

// WithStackFactory replaces the registry-driven capture/sink/transport builder.
func WithStackFactory(f StackFactory) Option {
	return func(a *App) { a.newStack = f }
}

// WithCapturePrompt asks fn for microphone consent before every session's
// capture starts. Without it, access is granted whenever the device allows it.
func WithCapturePrompt(fn capture.PromptFunc) Option {
	return func(a *App) { a.prompt = fn }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg resolves the provider and device names in
// cfg; it may be nil when a stack factory is injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Voice agent backend ───────────────────────────────────────────
	if a.newStack == nil {
		if err := a.initProvider(); err != nil {
			return nil, fmt.Errorf("app: init provider: %w", err)
		}
		a.newStack = a.buildStack
	}

	// ── 2. CRM backend ───────────────────────────────────────────────────
	if a.dir == nil {
		a.dir = a.newCRMClient()
	}

	// ── 3. Call log ──────────────────────────────────────────────────────
	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Directory:      a.dir,
		NewStack:       a.newStack,
		CallLog:        a.calls,
		DefaultVoice:   defaultVoice(cfg),
		SessionOptions: sessionOptions(cfg, a.metrics),
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initProvider() error {
	if a.reg == nil {
		return fmt.Errorf("no registry to resolve provider %q", a.cfg.Provider.Name)
	}
	p, err := a.reg.CreateProvider(a.cfg.Provider)
	if err != nil {
		return err
	}
	a.provider = p
	caps := p.Capabilities()
	slog.Info("provider created",
		"name", caps.Name,
		"input", caps.InputFormat.String(),
		"output", caps.OutputFormat.String(),
		"max_session", caps.MaxSessionDuration,
	)
	return nil
}

func (a *App) newCRMClient() *crm.Client {
	cc := a.cfg.CRM
	return crm.New(cc.BaseURL, cc.APIKey,
		crm.WithHTTPClient(&http.Client{Timeout: cc.Timeout}),
		crm.WithBreaker(resilience.CircuitBreakerConfig{
			Name:         "crm",
			MaxFailures:  cc.Breaker.MaxFailures,
			ResetTimeout: cc.Breaker.ResetTimeout,
		}),
		crm.WithMetrics(a.metrics),
	)
}

// initCallLog opens the PostgreSQL or file call log, falling back to memory.
func (a *App) initCallLog(ctx context.Context) error {
	if a.calls != nil {
		return nil
	}
	cl := a.cfg.CallLog
	switch {
	case cl.Path != "":
		a.calls = calllog.NewFileStore(cl.Path)
		slog.Info("call log writing to file", "path", cl.Path)
		return nil
	case cl.PostgresDSN == "":
		a.calls = calllog.NewMemoryStore()
		return nil
	}
	store, err := postgres.NewStore(ctx, cl.PostgresDSN)
	if err != nil {
		return err
	}
	a.calls = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("call log connected to postgres")
	return nil
}

// buildStack creates the capture source, playback sink and transport for one
// session from the current config.
func (a *App) buildStack(_ context.Context) (Stack, error) {
	cfg := a.Config()
	caps := a.provider.Capabilities()

	in := cfg.Audio.Input
	dev, err := a.reg.CreateInput(in)
	if err != nil {
		return Stack{}, fmt.Errorf("create input %q: %w", in.Device, err)
	}
	capOpts := []capture.Option{
		capture.WithFrameDuration(in.FrameDuration),
		capture.WithTargetFormat(caps.InputFormat),
		capture.WithRealtime(in.Device == "file"),
	}
	if a.prompt != nil {
		capOpts = append(capOpts, capture.WithPrompt(a.prompt))
	}
	src := capture.New(dev, capOpts...)

	out := cfg.Audio.Output
	format := caps.OutputFormat
	if out.SampleRate > 0 {
		format.SampleRate = out.SampleRate
	}
	if out.Channels > 0 {
		format.Channels = out.Channels
	}
	output, err := a.reg.CreateOutput(out, format)
	if err != nil {
		return Stack{}, fmt.Errorf("create output %q: %w", out.Device, err)
	}
	realtime := out.Device == "ffplay"
	if out.Realtime != nil {
		realtime = *out.Realtime
	}
	sink := playback.NewSink(output,
		playback.WithOutputFormat(format),
		playback.WithRealtime(realtime),
	)

	return Stack{Capture: src, Sink: sink, Transport: a.provider.NewTransport()}, nil
}

func defaultVoice(cfg *config.Config) types.VoiceConfig {
	return types.VoiceConfig{
		VoiceName:    cfg.Session.Voice.Name,
		LanguageCode: cfg.Session.Voice.Language,
	}
}

func sessionOptions(cfg *config.Config, m *observe.Metrics) []session.Option {
	return []session.Option{
		session.WithMetrics(m),
		session.WithConnectTimeout(cfg.Session.ConnectTimeout),
		session.WithStopTimeout(cfg.Session.StopTimeout),
		session.WithPreRoll(cfg.Session.PreRollFrames),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Provider returns the voice agent backend, or nil when a stack factory was
// injected.
func (a *App) Provider() s2s.Provider { return a.provider }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// CallLog returns the call log store.
func (a *App) CallLog() calllog.Store { return a.calls }

// Config returns the config the next session will be built from.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reload swaps in cfg for subsequent sessions. A running session keeps its
// voice, devices and backend. It returns the sections that were ignored
// because they are only read at startup.
func (a *App) Reload(cfg *config.Config) []string {
	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	restart := config.RestartRequired(old, cfg)
	if len(restart) > 0 {
		slog.Warn("configuration changes need a restart", "sections", restart)
	}
	a.sessions.Configure(defaultVoice(cfg), sessionOptions(cfg, a.metrics))
	slog.Info("configuration applied to next session")
	return restart
}

// Health returns the ops readiness handler: the CRM must report a configured
// API key, the call log must be reachable, and the current session state is
// reported alongside.
func (a *App) Health() *health.Handler {
	checkers := []health.Checker{
		health.KeyStatusCheck("agent_api_key", func(ctx context.Context) (bool, error) {
			st, err := a.dir.APIKeyStatus(ctx)
			return st.Configured, err
		}),
	}
	if p, ok := a.calls.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "calllog", Check: p.Ping})
	}

	reporters := []health.Reporter{
		{Name: "session", Report: func() string { return a.sessions.State().String() }},
	}
	if c, ok := a.dir.(*crm.Client); ok {
		reporters = append(reporters, health.Reporter{
			Name:   "crm_breaker",
			Report: func() string { return c.BreakerState().String() },
		})
	}
	return health.New(checkers...).WithReporters(reporters...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session and closes all subsystems. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
