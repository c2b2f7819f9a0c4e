package s2s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/types"
)

// Compile-time interface assertion.
var _ Transport = (*Duplex)(nil)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultCloseTimeout   = 2 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultKeepalive      = 20 * time.Second
	keepaliveTimeout      = 5 * time.Second

	// outboundQueue bounds the number of encoded messages waiting for the
	// writer goroutine. SendAudio blocks rather than drop when it is full.
	outboundQueue = 64
)

// Emitter receives decoded inbound traffic from a [Dialect]. Calls happen on
// the transport's receive goroutine in wire order.
type Emitter interface {
	Audio(pcm []byte, format audio.Format)
	Control(msg ControlMessage)
	Transcript(t types.Transcript)
}

// Dialect is the wire protocol of one backend. A Dialect instance serves one
// transport; Decode is only ever called from its receive goroutine, so a
// dialect may keep per-connection state.
type Dialect interface {
	// Name identifies the backend in errors and logs.
	Name() string

	// Endpoint returns the WebSocket URL and upgrade headers.
	Endpoint(cfg types.VoiceConfig) (url string, header http.Header)

	// Setup returns the first message sent after the upgrade.
	Setup(cfg types.VoiceConfig) ([]byte, error)

	// EncodeAudio returns the wire message carrying frame.
	EncodeAudio(frame audio.AudioFrame) ([]byte, error)

	// Decode parses one inbound message and reports its contents to emit.
	// Unknown message types are ignored; malformed ones return an error,
	// which the transport logs and skips.
	Decode(data []byte, emit Emitter) error
}

// DuplexOption configures a [Duplex].
type DuplexOption func(*Duplex)

// WithConnectTimeout bounds dialing plus waiting for Ready.
func WithConnectTimeout(d time.Duration) DuplexOption {
	return func(t *Duplex) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithCloseTimeout bounds the graceful close handshake. After it expires the
// connection is torn down forcibly.
func WithCloseTimeout(d time.Duration) DuplexOption {
	return func(t *Duplex) {
		if d > 0 {
			t.closeTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single outbound message write.
func WithWriteTimeout(d time.Duration) DuplexOption {
	return func(t *Duplex) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithKeepalive sets the ping interval. Zero disables keepalive pings.
func WithKeepalive(d time.Duration) DuplexOption {
	return func(t *Duplex) { t.keepalive = d }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) DuplexOption {
	return func(t *Duplex) { t.httpClient = c }
}

type duplexState int

const (
	stateIdle duplexState = iota
	stateConnecting
	stateReady
	stateClosed
)

// Duplex is a WebSocket [Transport] speaking a [Dialect].
type Duplex struct {
	dialect        Dialect
	connectTimeout time.Duration
	closeTimeout   time.Duration
	writeTimeout   time.Duration
	keepalive      time.Duration
	httpClient     *http.Client

	mu       sync.Mutex
	state    duplexState
	conn     *websocket.Conn
	cancel   context.CancelFunc
	ctx      context.Context
	readyCh  chan struct{}
	closedCh chan struct{}
	failCh   chan error // pre-Ready failures, buffered 1

	// sendMu serialises SendAudio so that sequence validation and queueing
	// happen in the same order.
	sendMu  sync.Mutex
	lastSeq uint64
	haveSeq bool
	out     chan []byte

	cbMu         sync.Mutex
	cbClosed     bool
	onAudio      func(audio.AudioFrame)
	onControl    func(ControlMessage)
	onTranscript func(types.Transcript)

	// Receive goroutine state.
	inSeq   uint64
	turn    uint64
	started time.Time

	failOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDuplex returns an unconnected transport for dialect.
func NewDuplex(dialect Dialect, opts ...DuplexOption) *Duplex {
	t := &Duplex{
		dialect:        dialect,
		connectTimeout: defaultConnectTimeout,
		closeTimeout:   defaultCloseTimeout,
		writeTimeout:   defaultWriteTimeout,
		keepalive:      defaultKeepalive,
		readyCh:        make(chan struct{}),
		closedCh:       make(chan struct{}),
		failCh:         make(chan error, 1),
		out:            make(chan []byte, outboundQueue),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Connect implements [Transport].
func (t *Duplex) Connect(ctx context.Context, cfg types.VoiceConfig) error {
	name := t.dialect.Name()

	t.mu.Lock()
	switch t.state {
	case stateClosed:
		t.mu.Unlock()
		return ErrClosed
	case stateIdle:
	default:
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = stateConnecting
	t.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, t.connectTimeout)
	defer dialCancel()

	url, header := t.dialect.Endpoint(cfg)
	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: t.httpClient,
	})
	if err != nil {
		t.markClosed()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%s: dial: %w: %w", name, ErrUnauthorized, err)
		}
		return fmt.Errorf("%s: dial: %w", name, err)
	}

	setup, err := t.dialect.Setup(cfg)
	if err != nil {
		conn.CloseNow()
		t.markClosed()
		return fmt.Errorf("%s: setup: %w", name, err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, setup); err != nil {
		conn.CloseNow()
		t.markClosed()
		return fmt.Errorf("%s: setup: %w", name, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.state == stateClosed {
		// Close raced with the dial.
		t.mu.Unlock()
		sessCancel()
		conn.CloseNow()
		return ErrClosed
	}
	t.conn = conn
	t.ctx = sessCtx
	t.cancel = sessCancel
	t.mu.Unlock()

	t.started = time.Now()
	t.wg.Add(2)
	go t.receiveLoop(sessCtx, conn)
	go t.writeLoop(sessCtx, conn)
	if t.keepalive > 0 {
		t.wg.Add(1)
		go t.keepaliveLoop(sessCtx, conn)
	}

	select {
	case <-t.readyCh:
		return nil
	case err := <-t.failCh:
		_ = t.Close()
		return fmt.Errorf("%s: connect: %w", name, err)
	case <-t.closedCh:
		return ErrClosed
	case <-dialCtx.Done():
		_ = t.Close()
		return fmt.Errorf("%s: connect: waiting for ready: %w", name, dialCtx.Err())
	}
}

// SendAudio implements [Transport].
func (t *Duplex) SendAudio(frame audio.AudioFrame) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	state, ctx := t.state, t.ctx
	t.mu.Unlock()

	switch state {
	case stateClosed:
		return ErrClosed
	case stateReady:
	default:
		return ErrNotConnected
	}
	if t.haveSeq && frame.Sequence <= t.lastSeq {
		return ErrOutOfOrder
	}

	msg, err := t.dialect.EncodeAudio(frame)
	if err != nil {
		return fmt.Errorf("%s: encode audio: %w", t.dialect.Name(), err)
	}

	select {
	case t.out <- msg:
		t.lastSeq = frame.Sequence
		t.haveSeq = true
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}

// OnAudio implements [Transport].
func (t *Duplex) OnAudio(fn func(audio.AudioFrame)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onAudio = fn
}

// OnControl implements [Transport].
func (t *Duplex) OnControl(fn func(ControlMessage)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onControl = fn
}

// OnTranscript implements [Transport].
func (t *Duplex) OnTranscript(fn func(types.Transcript)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onTranscript = fn
}

// Close implements [Transport].
func (t *Duplex) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = stateClosed
		conn, cancel := t.conn, t.cancel
		t.mu.Unlock()
		close(t.closedCh)

		if conn != nil {
			done := make(chan struct{})
			go func() {
				_ = conn.Close(websocket.StatusNormalClosure, "session closed")
				close(done)
			}()
			timer := time.NewTimer(t.closeTimeout)
			select {
			case <-done:
			case <-timer.C:
				slog.Warn("s2s: close handshake timed out, forcing teardown", "dialect", t.dialect.Name())
				conn.CloseNow()
			}
			timer.Stop()
		}
		if cancel != nil {
			cancel()
		}

		// Waiting for an in-flight callback to return guarantees that none
		// runs after Close.
		t.cbMu.Lock()
		t.cbClosed = true
		t.cbMu.Unlock()

		t.wg.Wait()
	})
	return nil
}

func (t *Duplex) markClosed() {
	t.mu.Lock()
	t.state = stateClosed
	t.mu.Unlock()
}

func (t *Duplex) currentState() duplexState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ── goroutines ─────────────────────────────────────────────────────────────────

// writeLoop is the only goroutine writing data messages after setup.
func (t *Duplex) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.out:
			wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if ctx.Err() == nil && t.currentState() != stateClosed {
					t.fail(fmt.Errorf("write: %w", err))
				}
				// Unblock SendAudio callers waiting on a full queue.
				t.mu.Lock()
				if t.cancel != nil {
					t.cancel()
				}
				t.mu.Unlock()
				return
			}
		}
	}
}

// receiveLoop reads and decodes inbound messages until the connection ends.
func (t *Duplex) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	em := emitter{t: t}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || t.currentState() == stateClosed {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				if t.currentState() == stateConnecting {
					t.fail(fmt.Errorf("closed by remote before ready: %w", err))
					return
				}
				em.Control(ControlMessage{Kind: ControlSessionEnd, Message: "closed by remote"})
			default:
				t.fail(fmt.Errorf("read: %w", err))
			}
			return
		}

		if err := t.dialect.Decode(data, em); err != nil {
			slog.Debug("s2s: skipping malformed message", "dialect", t.dialect.Name(), "err", err)
		}
	}
}

// keepaliveLoop pings the remote to keep idle connections open.
func (t *Duplex) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			if err := conn.Ping(pingCtx); err != nil && ctx.Err() == nil {
				slog.Debug("s2s: keepalive ping failed", "dialect", t.dialect.Name(), "err", err)
			}
			cancel()
		}
	}
}

// fail reports a transport fault once: to Connect while connecting, as a
// ControlError afterwards.
func (t *Duplex) fail(err error) {
	t.failOnce.Do(func() {
		if t.currentState() == stateConnecting {
			t.failCh <- err
			return
		}
		t.deliverControl(ControlMessage{
			Kind:    ControlError,
			ErrKind: types.KindTransport,
			Message: err.Error(),
			Err:     err,
		})
	})
}

func (t *Duplex) deliverControl(msg ControlMessage) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.cbClosed || t.onControl == nil {
		return
	}
	t.onControl(msg)
}

// ── emitter ────────────────────────────────────────────────────────────────────

// emitter stamps decoded traffic with inbound sequence, turn and timestamp
// and hands it to the registered callbacks.
type emitter struct {
	t *Duplex
}

func (e emitter) Audio(pcm []byte, format audio.Format) {
	t := e.t
	if len(pcm) == 0 {
		return
	}
	frame := audio.AudioFrame{
		Sequence:   t.inSeq,
		Turn:       t.turn,
		Timestamp:  time.Since(t.started),
		Data:       pcm,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}
	t.inSeq++

	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.cbClosed || t.onAudio == nil {
		return
	}
	t.onAudio(frame)
}

func (e emitter) Control(msg ControlMessage) {
	t := e.t
	switch msg.Kind {
	case ControlReady:
		t.mu.Lock()
		first := t.state == stateConnecting
		if first {
			t.state = stateReady
		}
		t.mu.Unlock()
		if !first {
			return
		}
		close(t.readyCh)
	case ControlError:
		if t.currentState() == stateConnecting {
			msgErr := errors.New(msg.Message)
			if msg.Err != nil {
				msgErr = msg.Err
			}
			t.fail(msgErr)
			return
		}
	case ControlTurnComplete, ControlInterrupted:
		defer func() { t.turn++ }()
	}
	t.deliverControl(msg)
}

func (e emitter) Transcript(tr types.Transcript) {
	t := e.t
	if tr.Timestamp == 0 {
		tr.Timestamp = time.Since(t.started)
	}
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.cbClosed || t.onTranscript == nil {
		return
	}
	t.onTranscript(tr)
}
