// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to hand out a controlled Transport and to inspect how many
// transports were created. Use Transport to drive inbound audio, control and
// transcript callbacks and to inspect the outbound frames the code under test
// sent.
//
// Example:
//
//	tr := &mock.Transport{}
//	p := &mock.Provider{Transport: tr}
//	ctrl := session.New(src, sink, p.NewTransport())
//	...
//	tr.EmitAudio([]byte{0, 0})
//	tr.EmitControl(s2s.ControlMessage{Kind: s2s.ControlTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/types"
)

// ── Provider ──────────────────────────────────────────────────────────────────

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Transport is returned by NewTransport. If nil, a new default Transport
	// is returned on every call.
	Transport *Transport

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// NewTransportCallCount is the number of times NewTransport was called.
	NewTransportCallCount int

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// NewTransport records the call and returns Transport.
func (p *Provider) NewTransport() s2s.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewTransportCallCount++
	if p.Transport != nil {
		return p.Transport
	}
	return &Transport{}
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// ── Transport ─────────────────────────────────────────────────────────────────

// Transport is a mock implementation of s2s.Transport. It follows the
// lifecycle rules of the real transport: SendAudio fails before Connect
// succeeded and after Close, and no callback runs once Close has returned.
type Transport struct {
	mu sync.Mutex
	// cbMu serialises callback delivery against Close.
	cbMu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectGate, if non-nil, blocks Connect until it is closed or the
	// context is done. Use it to hold a session in the connecting state.
	ConnectGate chan struct{}

	// SendAudioErr, if non-nil, is returned by every SendAudio call on a
	// connected transport.
	SendAudioErr error

	// ConnectCalls records the VoiceConfig of every Connect call.
	ConnectCalls []types.VoiceConfig

	// Sent records every frame accepted by SendAudio in order.
	Sent []audio.AudioFrame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	connected bool
	closed    bool
	inSeq     uint64
	turn      uint64

	onAudio      func(audio.AudioFrame)
	onControl    func(s2s.ControlMessage)
	onTranscript func(types.Transcript)
}

// Connect records cfg and returns ConnectErr once ConnectGate opens.
func (t *Transport) Connect(ctx context.Context, cfg types.VoiceConfig) error {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, cfg)
	gate := t.ConnectGate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return s2s.ErrClosed
	}
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	return nil
}

// SendAudio records frame if the transport is connected.
func (t *Transport) SendAudio(frame audio.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return s2s.ErrClosed
	case !t.connected:
		return s2s.ErrNotConnected
	case t.SendAudioErr != nil:
		return t.SendAudioErr
	}
	if n := len(t.Sent); n > 0 && frame.Sequence <= t.Sent[n-1].Sequence {
		return s2s.ErrOutOfOrder
	}
	t.Sent = append(t.Sent, frame)
	return nil
}

// OnAudio stores the audio handler.
func (t *Transport) OnAudio(fn func(audio.AudioFrame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAudio = fn
}

// OnControl stores the control handler.
func (t *Transport) OnControl(fn func(s2s.ControlMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onControl = fn
}

// OnTranscript stores the transcript handler.
func (t *Transport) OnTranscript(fn func(types.Transcript)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTranscript = fn
}

// Close records the call. Callbacks are suppressed afterwards.
func (t *Transport) Close() error {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CloseCallCount++
	t.closed = true
	return nil
}

// EmitAudio delivers pcm as the next inbound frame of the current turn at
// 24 kHz mono. It reports false when the transport is closed.
func (t *Transport) EmitAudio(pcm []byte) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.mu.Lock()
	fn := t.onAudio
	closed := t.closed
	frame := audio.AudioFrame{
		Sequence:   t.inSeq,
		Turn:       t.turn,
		Data:       pcm,
		SampleRate: 24000,
		Channels:   1,
	}
	t.inSeq++
	t.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(frame)
	return true
}

// EmitFrame delivers frame unchanged, for tests that need explicit sequence
// or turn numbers.
func (t *Transport) EmitFrame(frame audio.AudioFrame) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.mu.Lock()
	fn := t.onAudio
	closed := t.closed
	t.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(frame)
	return true
}

// EmitControl delivers msg. TurnComplete and Interrupted advance the turn
// assigned by EmitAudio.
func (t *Transport) EmitControl(msg s2s.ControlMessage) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.mu.Lock()
	fn := t.onControl
	closed := t.closed
	t.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(msg)
	if msg.Kind == s2s.ControlTurnComplete || msg.Kind == s2s.ControlInterrupted {
		t.mu.Lock()
		t.turn++
		t.mu.Unlock()
	}
	return true
}

// EmitTranscript delivers tr.
func (t *Transport) EmitTranscript(tr types.Transcript) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.mu.Lock()
	fn := t.onTranscript
	closed := t.closed
	t.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(tr)
	return true
}

// SentFrames returns a copy of the frames accepted by SendAudio.
func (t *Transport) SentFrames() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audio.AudioFrame(nil), t.Sent...)
}

// Connects returns the number of Connect calls.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ConnectCalls)
}

// Closes returns the number of Close calls.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCallCount
}

// Compile-time interface assertions.
var (
	_ s2s.Provider  = (*Provider)(nil)
	_ s2s.Transport = (*Transport)(nil)
)
