package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecall/internal/calllog"
	"github.com/MrWong99/livecall/internal/crm"
	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/internal/session"
	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/types"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a previous
	// session has not finished, including writing its call log entry.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned when an operation needs a session and none was
	// started.
	ErrNoSession = errors.New("app: no session")

	// ErrNotClosed is returned by [SessionManager.Analyse] unless the last
	// session ended normally.
	ErrNotClosed = errors.New("app: session has not closed")
)

// Directory is the subset of the CRM backend the session manager uses.
// *crm.Client satisfies it.
type Directory interface {
	ListAgents(ctx context.Context) ([]crm.Agent, error)
	APIKeyStatus(ctx context.Context) (crm.KeyStatus, error)
	Analyse(ctx context.Context, agentID string) (crm.Analysis, error)
}

var _ Directory = (*crm.Client)(nil)

// Stack is the set of components owned by one session.
type Stack struct {
	Capture   audio.CaptureSource
	Sink      audio.PlaybackSink
	Transport s2s.Transport
}

// StackFactory builds a fresh [Stack] for every session.
type StackFactory func(ctx context.Context) (Stack, error)

// SessionInfo holds metadata about the current or last session.
type SessionInfo struct {
	// SessionID is a random UUID.
	SessionID string

	Agent     crm.Agent
	Voice     types.VoiceConfig
	StartedAt time.Time

	// CorrelationID is the trace id shared by every span of the session, or
	// SessionID when tracing is not set up.
	CorrelationID string
}

// Bootstrap is what the client needs before a session can start.
type Bootstrap struct {
	Agents        []crm.Agent
	KeyConfigured bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Directory Directory
	NewStack  StackFactory

	// CallLog records every finished session. Optional.
	CallLog calllog.Store

	// DefaultVoice is used for agents without a voice of their own.
	DefaultVoice types.VoiceConfig

	// SessionOptions are applied to every controller.
	SessionOptions []session.Option
}

// SessionManager runs at most one voice session at a time and owns the
// conversation around it: the agent directory before, the call log and the
// post-call analysis after. All exported methods are safe for concurrent use.
type SessionManager struct {
	dir          Directory
	newStack     StackFactory
	calls        calllog.Store
	defaultVoice types.VoiceConfig
	sessionOpts  []session.Option

	mu       sync.Mutex
	ctrl     *session.Controller
	cancel   context.CancelFunc
	info     SessionInfo
	lines    []calllog.Line
	recorded chan struct{}
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		dir:          cfg.Directory,
		newStack:     cfg.NewStack,
		calls:        cfg.CallLog,
		defaultVoice: cfg.DefaultVoice,
		sessionOpts:  cfg.SessionOptions,
	}
}

// Configure replaces the default voice and controller options used by the
// next [SessionManager.Start]. A running session is not affected.
func (sm *SessionManager) Configure(voice types.VoiceConfig, opts []session.Option) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.defaultVoice = voice
	sm.sessionOpts = opts
}

// Bootstrap fetches the agent directory and the API key status in parallel.
func (sm *SessionManager) Bootstrap(ctx context.Context) (Bootstrap, error) {
	var b Bootstrap
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		agents, err := sm.dir.ListAgents(gctx)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		b.Agents = agents
		return nil
	})
	g.Go(func() error {
		st, err := sm.dir.APIKeyStatus(gctx)
		if err != nil {
			return fmt.Errorf("api key status: %w", err)
		}
		b.KeyConfigured = st.Configured
		return nil
	})
	if err := g.Wait(); err != nil {
		return Bootstrap{}, fmt.Errorf("app: bootstrap: %w", err)
	}
	return b, nil
}

// Start begins a session with agent. The agent's voice is used when set,
// otherwise the configured default. obs receives the controller's
// notifications; it must not call back into the manager.
//
// The session outlives ctx's cancellation; end it with [SessionManager.Stop].
func (sm *SessionManager) Start(ctx context.Context, agent crm.Agent, obs session.Observer) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctrl != nil && !closed(sm.recorded) {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	stack, err := sm.newStack(ctx)
	if err == nil && (stack.Capture == nil || stack.Sink == nil || stack.Transport == nil) {
		err = errors.New("incomplete stack")
	}
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: build session stack: %w", err)
	}

	voice := types.VoiceConfig{VoiceName: agent.VoiceName, LanguageCode: agent.LanguageCode}
	if voice.VoiceName == "" {
		voice.VoiceName = sm.defaultVoice.VoiceName
	}
	if voice.LanguageCode == "" {
		voice.LanguageCode = sm.defaultVoice.LanguageCode
	}

	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	sessCtx, span := observe.StartSpan(sessCtx, "call", trace.WithAttributes(observe.Attr("agent", agent.ID)))

	info := SessionInfo{
		SessionID:     id,
		Agent:         agent,
		Voice:         voice,
		StartedAt:     time.Now().UTC(),
		CorrelationID: observe.CorrelationID(sessCtx),
	}

	opts := append([]session.Option{session.WithObserver(sm.observe(obs))}, sm.sessionOpts...)
	ctrl := session.New(stack.Capture, stack.Sink, stack.Transport, opts...)

	if err := ctrl.Start(sessCtx, voice); err != nil {
		observe.Fail(span, err)
		span.End()
		cancel()
		return SessionInfo{}, fmt.Errorf("app: start session: %w", err)
	}

	sm.ctrl = ctrl
	sm.cancel = cancel
	sm.info = info
	sm.lines = nil
	sm.recorded = make(chan struct{})

	go sm.record(sessCtx, ctrl, info, sm.recorded)

	observe.Logger(sessCtx).Info("session started",
		"agent", agent.ID,
		"voice", voice.String(),
		"correlation_id", info.CorrelationID,
	)
	return info, nil
}

// observe wraps obs so that final transcript lines are collected for the
// call log.
func (sm *SessionManager) observe(obs session.Observer) session.Observer {
	user := obs.OnMessage
	obs.OnMessage = func(tr types.Transcript) {
		if tr.Final && tr.Text != "" {
			sm.mu.Lock()
			sm.lines = append(sm.lines, calllog.Line{Role: tr.Role, Text: tr.Text, At: tr.Timestamp})
			sm.mu.Unlock()
		}
		if user != nil {
			user(tr)
		}
	}
	return obs
}

// record waits for ctrl to finish, closes the call span and writes the call
// log entry. ctx is the session context; only its values are used.
func (sm *SessionManager) record(ctx context.Context, ctrl *session.Controller, info SessionInfo, recorded chan struct{}) {
	defer close(recorded)
	<-ctrl.Done()

	rec := calllog.Record{
		ID:            info.SessionID,
		AgentID:       info.Agent.ID,
		Voice:         info.Voice,
		StartedAt:     info.StartedAt,
		EndedAt:       time.Now().UTC(),
		FinalState:    ctrl.State().String(),
		CorrelationID: info.CorrelationID,
	}
	span := trace.SpanFromContext(ctx)
	if err := ctrl.Err(); err != nil {
		rec.ErrorKind = err.Kind.String()
		observe.Fail(span, err)
	}
	span.End()

	sm.mu.Lock()
	rec.Lines = append([]calllog.Line(nil), sm.lines...)
	if sm.cancel != nil && sm.ctrl == ctrl {
		sm.cancel()
	}
	sm.mu.Unlock()

	log := observe.Logger(ctx)
	log.Info("session ended",
		"state", rec.FinalState,
		"error_kind", rec.ErrorKind,
		"duration", rec.Duration(),
		"lines", len(rec.Lines),
	)

	if sm.calls == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sm.calls.Save(saveCtx, rec); err != nil {
		log.Warn("session: call log save failed", "err", err)
	}
}

// Stop ends the current session and waits until its call log entry was
// written. It is a no-op when no session is running.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	ctrl, recorded := sm.ctrl, sm.recorded
	sm.mu.Unlock()
	if ctrl == nil {
		return nil
	}

	if err := ctrl.Stop(ctx); err != nil {
		return fmt.Errorf("app: stop session: %w", err)
	}
	select {
	case <-recorded:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: stop session: %w", ctx.Err())
	}
}

// Wait blocks until the current session ended on its own or ctx is done.
func (sm *SessionManager) Wait(ctx context.Context) error {
	sm.mu.Lock()
	recorded := sm.recorded
	sm.mu.Unlock()
	if recorded == nil {
		return ErrNoSession
	}
	select {
	case <-recorded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current session's state, or [session.StateIdle] when no
// session was started.
func (sm *SessionManager) State() session.State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl == nil {
		return session.StateIdle
	}
	return sm.ctrl.State()
}

// Err returns the error of the last session, or nil.
func (sm *SessionManager) Err() *types.SessionError {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl == nil {
		return nil
	}
	return sm.ctrl.Err()
}

// Info returns metadata about the current or last session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Analyse requests the post-call analysis for the last session's agent. It
// is only allowed once that session has closed. A throttled backend surfaces
// as a [*types.SessionError] of kind [types.KindRateLimited] that still wraps
// [crm.ErrRateLimited].
func (sm *SessionManager) Analyse(ctx context.Context) (crm.Analysis, error) {
	sm.mu.Lock()
	ctrl, info, recorded := sm.ctrl, sm.info, sm.recorded
	sm.mu.Unlock()

	if ctrl == nil {
		return crm.Analysis{}, ErrNoSession
	}
	if st := ctrl.State(); st != session.StateClosed {
		return crm.Analysis{}, fmt.Errorf("%w (state=%s)", ErrNotClosed, st)
	}

	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, info.SessionID), "analyse")
	defer span.End()

	a, err := sm.dir.Analyse(ctx, info.Agent.ID)
	if err != nil {
		observe.Fail(span, err)
		if errors.Is(err, crm.ErrRateLimited) {
			return crm.Analysis{}, types.NewSessionError(types.KindRateLimited, err)
		}
		return crm.Analysis{}, fmt.Errorf("app: analyse: %w", err)
	}

	if sm.calls != nil {
		// The record is written by the session's watcher goroutine.
		select {
		case <-recorded:
		case <-ctx.Done():
			return a, nil
		}
		if err := sm.calls.SetAnalysis(ctx, info.SessionID, a.Analysis); err != nil {
			observe.Logger(ctx).Warn("session: store analysis failed", "err", err)
		}
	}
	return a, nil
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
