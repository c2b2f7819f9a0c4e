// Package session implements the real-time voice-agent session: a
// [Controller] owns one capture source, one agent transport and one playback
// sink and drives them through an explicit state machine.
//
// The three components are independently clocked. They never reference each
// other; their callbacks post events onto the controller's single event loop,
// which is the only goroutine that changes state, enqueues agent audio or
// flushes the sink. Captured audio is the exception: frames go straight from
// the capture goroutine to the transport once the agent is ready, and are held
// in a bounded pre-roll until then.
//
// This package is internal because it encapsulates application-private session
// logic and is not intended for import by external code.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by a second [Controller.Start] call.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrStopTimeout is returned by [Controller.Stop] when teardown did not
	// finish within the stop timeout.
	ErrStopTimeout = errors.New("session: stop timed out")
)

const (
	defaultPreRoll        = 25
	defaultStopTimeout    = 5 * time.Second
	defaultConnectTimeout = 15 * time.Second
	eventBuffer           = 256
)

// Observer receives session notifications. Every field is optional. Callbacks
// run on the controller's event loop (OnStateChange for the initial
// transition runs on the goroutine calling Start); they must return quickly
// and must not call [Controller.Stop].
type Observer struct {
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)

	// OnAudio is called for every agent frame accepted by the sink. It is
	// meant for visualisation only.
	OnAudio func(frame audio.AudioFrame)

	// OnTurnComplete is called when the agent finished a turn.
	OnTurnComplete func()

	// OnInterrupted is called when the user barged in on agent speech.
	OnInterrupted func()

	// OnMessage is called for every transcript line of either side.
	OnMessage func(tr types.Transcript)

	// OnError is called once when the session enters the errored state.
	OnError func(err *types.SessionError)
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithObserver registers the session observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.obs = o }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPreRoll sets how many captured frames are held while the transport is
// connecting. The oldest frames are dropped once the pre-roll is full; zero
// discards everything captured before Ready. The default is 25 (500 ms of
// 20 ms frames).
func WithPreRoll(frames int) Option {
	return func(c *Controller) { c.preRollFrames = max(frames, 0) }
}

// WithStopTimeout bounds how long [Controller.Stop] waits for teardown. The
// default is 5 s.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) { c.stopTimeout = d }
}

// WithConnectTimeout bounds the transport handshake. The default is 15 s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) { c.connectTimeout = d }
}

// ── Controller ────────────────────────────────────────────────────────────────

// Controller drives one voice session. It exclusively owns the capture source,
// the transport and the sink it was created with and releases all three when
// the session ends; none of them can be reused afterwards.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	capture   audio.CaptureSource
	sink      audio.PlaybackSink
	transport s2s.Transport

	obs            Observer
	metrics        *observe.Metrics
	preRollFrames  int
	stopTimeout    time.Duration
	connectTimeout time.Duration

	machine *fsm.FSM

	// Set by Start before any goroutine is launched.
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	log       *slog.Logger
	startedAt time.Time

	events   chan event
	stopCh   chan struct{}
	quit     chan struct{} // closed when teardown begins
	done     chan struct{}
	stopOnce sync.Once
	quitOnce sync.Once

	connectWG sync.WaitGroup

	ready   atomic.Bool
	preMu   sync.Mutex
	preRoll []audio.AudioFrame

	// Owned by the event loop.
	finishing bool

	// drained coalesces sink drain notifications without blocking the
	// render goroutine.
	drained chan struct{}

	mu      sync.Mutex
	started bool
	current State
	err     *types.SessionError
}

type eventKind int

const (
	eventReady eventKind = iota
	eventAudio
	eventControl
	eventTranscript
	eventFailed
)

type event struct {
	kind       eventKind
	frame      audio.AudioFrame
	control    s2s.ControlMessage
	transcript types.Transcript
	err        *types.SessionError
}

// New creates a controller in the idle state.
func New(capture audio.CaptureSource, sink audio.PlaybackSink, transport s2s.Transport, opts ...Option) *Controller {
	c := &Controller{
		capture:        capture,
		sink:           sink,
		transport:      transport,
		preRollFrames:  defaultPreRoll,
		stopTimeout:    defaultStopTimeout,
		connectTimeout: defaultConnectTimeout,
		log:            slog.Default(),
		events:         make(chan event, eventBuffer),
		stopCh:         make(chan struct{}),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		drained:        make(chan struct{}, 1),
		current:        StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.machine = newMachine(c.changed)
	return c
}

// Start begins the session asynchronously: it requests microphone access,
// starts capturing and connects the transport with cfg. Failures surface as a
// transition to [StateErrored], not as a return value. Cancelling ctx ends the
// session like [Controller.Stop].
//
// Returns [ErrAlreadyStarted] unless the controller is idle.
func (c *Controller) Start(ctx context.Context, cfg types.VoiceConfig) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	ctx, c.span = observe.StartSpan(ctx, "session",
		trace.WithAttributes(
			observe.Attr("voice", cfg.VoiceName),
			observe.Attr("language", cfg.LanguageCode),
		),
	)
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.log = observe.Logger(ctx).With("voice", cfg.String())
	c.startedAt = time.Now()

	c.transport.OnAudio(func(f audio.AudioFrame) {
		c.post(event{kind: eventAudio, frame: f})
	})
	c.transport.OnControl(func(m s2s.ControlMessage) {
		c.post(event{kind: eventControl, control: m})
	})
	c.transport.OnTranscript(func(tr types.Transcript) {
		c.post(event{kind: eventTranscript, transcript: tr})
	})
	c.sink.OnDrained(func() {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	})

	c.metrics.SessionsStarted.Add(ctx, 1)
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.transition(evStart)

	c.connectWG.Add(1)
	go c.connect(cfg)
	go c.run()
	return nil
}

// Stop ends the session: capture stops, pending agent audio is discarded and
// the transport is closed. It is idempotent and returns nil immediately once
// the session is closed or errored. Teardown is bounded by the stop timeout;
// [ErrStopTimeout] is returned if it was exceeded.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.mu.Unlock()
		c.closeIdle()
		return nil
	}
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Done is closed once the session reached [StateClosed] or [StateErrored] and
// every owned component was released.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that moved the session to [StateErrored], or nil.
func (c *Controller) Err() *types.SessionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (c *Controller) run() {
	defer close(c.done)
	defer c.span.End()
	for {
		select {
		case ev := <-c.events:
			if c.handle(ev) {
				return
			}
		case <-c.drained:
			c.onDrained()
		case <-c.stopCh:
			c.shutdown()
			return
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
	}
}

// handle applies one event and reports whether the session ended.
func (c *Controller) handle(ev event) bool {
	switch ev.kind {
	case eventReady:
		c.onReady()
	case eventAudio:
		c.onAgentAudio(ev.frame)
	case eventTranscript:
		if fn := c.obs.OnMessage; fn != nil {
			fn(ev.transcript)
		}
	case eventFailed:
		c.fail(ev.err)
		return true
	case eventControl:
		return c.onControl(ev.control)
	}
	return false
}

func (c *Controller) onControl(msg s2s.ControlMessage) bool {
	switch msg.Kind {
	case s2s.ControlReady:
		c.onReady()
	case s2s.ControlTurnComplete:
		c.onTurnComplete()
	case s2s.ControlInterrupted:
		c.onInterrupted()
	case s2s.ControlError:
		kind := msg.ErrKind
		if kind == types.KindUnknown {
			kind = types.KindTransport
		}
		c.fail(&types.SessionError{Kind: kind, Message: msg.Message, Err: msg.Err})
		return true
	case s2s.ControlSessionEnd:
		c.log.Info("session: ended by agent", "reason", msg.Message)
		c.shutdown()
		return true
	}
	return false
}

// onReady releases the pre-roll and opens the capture path. Ready is reported
// both by the transport's control stream and by Connect returning; the
// second report is ignored.
func (c *Controller) onReady() {
	if c.State() != StateConnecting {
		return
	}
	c.preMu.Lock()
	pending := c.preRoll
	c.preRoll = nil
	for _, f := range pending {
		c.send(f)
	}
	c.ready.Store(true)
	c.preMu.Unlock()

	c.metrics.ConnectDuration.Record(c.ctx, time.Since(c.startedAt).Seconds())
	c.log.Info("session: agent ready", "pre_roll", len(pending), "after", time.Since(c.startedAt))
	c.transition(evReady)
}

func (c *Controller) onAgentAudio(frame audio.AudioFrame) {
	state := c.State()
	if state != StateListening && state != StateSpeaking {
		c.log.Debug("session: dropping agent audio", "state", state, "seq", frame.Sequence)
		return
	}
	if err := c.sink.Enqueue(frame); err != nil {
		c.log.Debug("session: agent frame rejected", "seq", frame.Sequence, "turn", frame.Turn, "err", err)
		c.metrics.RecordFrame(c.ctx, observe.DirectionInbound, rejectReason(err))
		return
	}
	c.metrics.RecordFrame(c.ctx, observe.DirectionInbound, "ok")
	if state == StateListening {
		c.transition(evSpeak)
	}
	if fn := c.obs.OnAudio; fn != nil {
		fn(frame)
	}
}

// onTurnComplete lets the sink play out the turn; the session returns to
// Listening when the sink reports it drained.
func (c *Controller) onTurnComplete() {
	if c.State() != StateSpeaking {
		c.log.Debug("session: turn complete while not speaking", "state", c.State())
		return
	}
	c.finishing = true
	c.sink.Finish()
	if fn := c.obs.OnTurnComplete; fn != nil {
		fn()
	}
}

// onDrained resumes listening once the finished turn has played out.
func (c *Controller) onDrained() {
	if c.finishing && c.State() == StateSpeaking {
		c.finishing = false
		c.transition(evResume)
	}
}

// onInterrupted discards unplayed agent audio and resumes listening at once.
func (c *Controller) onInterrupted() {
	if c.State() != StateSpeaking {
		c.log.Debug("session: interruption while not speaking", "state", c.State())
		return
	}
	start := time.Now()
	c.sink.Interrupt()
	c.metrics.RecordBargeIn(c.ctx, time.Since(start))
	c.finishing = false
	// Interrupt waited for any drained callback in flight; what it signalled
	// belongs to the interrupted turn.
	select {
	case <-c.drained:
	default:
	}

	c.transition(evInterrupt)
	if fn := c.obs.OnInterrupted; fn != nil {
		fn()
	}
	c.transition(evResume)
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// shutdown is the orderly path: Closing, release, Closed.
func (c *Controller) shutdown() {
	c.beginTeardown()
	c.transition(evClose)
	c.release()
	c.transition(evClosed)
	c.log.Info("session: closed", "duration", time.Since(c.startedAt))
}

// fail records err, enters Errored and releases everything.
func (c *Controller) fail(err *types.SessionError) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.beginTeardown()
	c.transition(evFail)
	c.log.Warn("session: errored", "kind", err.Kind, "err", err)
	observe.Fail(c.span, err)
	c.metrics.RecordSessionError(c.ctx, err.Kind.String())
	if fn := c.obs.OnError; fn != nil {
		fn(err)
	}
	c.release()
}

func (c *Controller) beginTeardown() {
	c.quitOnce.Do(func() { close(c.quit) })
	if c.cancel != nil {
		c.cancel()
	}
}

// release stops capture, flushes the sink and closes the transport, in that
// order, then waits for the connect goroutine and closes the sink.
func (c *Controller) release() {
	c.capture.Stop()
	c.sink.Interrupt()
	if err := c.transport.Close(); err != nil {
		c.log.Warn("session: close transport", "err", err)
	}

	waited := make(chan struct{})
	go func() {
		c.connectWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(c.stopTimeout):
		c.log.Warn("session: connect did not return in time")
	}

	if err := c.sink.Close(); err != nil {
		c.log.Warn("session: close sink", "err", err)
	}
	c.metrics.ActiveSessions.Add(context.WithoutCancel(c.ctx), -1)
}

// closeIdle ends a session that was never started.
func (c *Controller) closeIdle() {
	c.beginTeardown()
	c.transition(evClose)
	c.capture.Stop()
	if err := c.transport.Close(); err != nil {
		c.log.Warn("session: close transport", "err", err)
	}
	if err := c.sink.Close(); err != nil {
		c.log.Warn("session: close sink", "err", err)
	}
	c.transition(evClosed)
	close(c.done)
}

// ── Connect & capture ─────────────────────────────────────────────────────────

// connect runs the permission, capture and handshake steps off the event
// loop so that Stop stays responsive while a prompt or dial is pending.
func (c *Controller) connect(cfg types.VoiceConfig) {
	defer c.connectWG.Done()
	ctx, span := observe.StartSpan(c.ctx, "session.connect")
	defer span.End()

	if err := c.capture.RequestAccess(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := types.KindCapture
		if errors.Is(err, audio.ErrPermissionDenied) {
			kind = types.KindPermissionDenied
		}
		c.post(event{kind: eventFailed, err: types.NewSessionError(kind, err)})
		return
	}

	if err := c.capture.Start(c.onCapture, c.onCaptureError); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.post(event{kind: eventFailed, err: types.NewSessionError(types.KindCapture, err)})
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.transport.Connect(dialCtx, cfg); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		observe.Fail(span, err)
		c.post(event{
			kind: eventFailed,
			err:  types.NewSessionError(types.KindTransport, fmt.Errorf("session: connect: %w", err)),
		})
		return
	}
	c.post(event{kind: eventReady})
}

// onCapture runs on the capture goroutine. Frames captured before Ready are
// held in the pre-roll; onReady flushes it under preMu before flipping the
// ready flag, so order is preserved across the switch.
func (c *Controller) onCapture(frame audio.AudioFrame) {
	if !c.ready.Load() {
		c.preMu.Lock()
		if !c.ready.Load() {
			if c.preRollFrames > 0 {
				if len(c.preRoll) >= c.preRollFrames {
					c.preRoll = c.preRoll[1:]
				}
				c.preRoll = append(c.preRoll, frame)
			}
			c.preMu.Unlock()
			return
		}
		c.preMu.Unlock()
	}
	c.send(frame)
}

func (c *Controller) onCaptureError(err error) {
	c.post(event{kind: eventFailed, err: types.NewSessionError(types.KindCapture, err)})
}

func (c *Controller) send(frame audio.AudioFrame) {
	err := c.transport.SendAudio(frame)
	switch {
	case err == nil:
		c.metrics.RecordFrame(c.ctx, observe.DirectionOutbound, "ok")
	case errors.Is(err, s2s.ErrClosed):
		// Teardown in progress.
	default:
		c.log.Warn("session: send audio", "seq", frame.Sequence, "err", err)
		c.metrics.RecordFrame(c.ctx, observe.DirectionOutbound, "error")
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// post hands ev to the event loop. Events posted after teardown began are
// dropped.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *Controller) transition(name string) {
	if err := c.machine.Event(context.Background(), name); err != nil {
		c.log.Debug("session: transition rejected", "event", name, "state", c.machine.Current(), "err", err)
	}
}

func (c *Controller) changed(from, to State) {
	c.mu.Lock()
	c.current = to
	c.mu.Unlock()
	c.log.Debug("session: state changed", "from", from, "to", to)
	if fn := c.obs.OnStateChange; fn != nil {
		fn(from, to)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrStaleTurn):
		return "stale_turn"
	case errors.Is(err, audio.ErrOutOfOrder):
		return "out_of_order"
	default:
		return "error"
	}
}
