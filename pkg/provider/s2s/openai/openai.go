// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// Sessions run over the shared [s2s.Duplex] transport and exchange JSON events
// according to the Realtime API protocol. Audio is transmitted as
// base64-encoded PCM16 at 24 kHz in both directions. The session.updated
// acknowledgement of the initial session.update marks the session Ready;
// server-side voice activity detection (input_audio_buffer.speech_started) is
// the barge-in signal.
package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	"github.com/MrWong99/livecall/pkg/types"
)

// Compile-time assertions that Provider and dialect satisfy the s2s interfaces.
var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Dialect  = (*dialect)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	sampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithInstructions sets the session instructions, typically the agent's
// persona and call objectives.
func WithInstructions(text string) Option {
	return func(p *Provider) { p.instructions = text }
}

// WithTranscriptionModel sets the model used to transcribe user speech.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithTransportOptions passes options through to every [s2s.Duplex] the
// provider creates.
func WithTransportOptions(opts ...s2s.DuplexOption) Option {
	return func(p *Provider) { p.transportOpts = append(p.transportOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	instructions       string
	transcriptionModel string
	transportOpts      []s2s.DuplexOption
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	format := audio.Format{SampleRate: sampleRate, Channels: 1}
	return s2s.Capabilities{
		Name:               "openai-realtime",
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		InputFormat:        format,
		OutputFormat:       format,
		MaxSessionDuration: 30 * time.Minute,
	}
}

// NewTransport returns an unconnected transport speaking the Realtime
// protocol.
func (p *Provider) NewTransport() s2s.Transport {
	return s2s.NewDuplex(&dialect{p: p, cancelled: make(map[string]bool)}, p.transportOpts...)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.audio.delta / response.audio_transcript.*
	ResponseID string `json:"response_id,omitempty"`

	// response.created / response.done
	Response *responseInfo `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ── dialect ────────────────────────────────────────────────────────────────────

// dialect is used by one transport; Decode runs on its receive loop only.
type dialect struct {
	p *Provider

	// active is the response currently producing audio. Responses cut off
	// by speech_started stay in cancelled until their response.done, and
	// their late deltas are dropped.
	active    string
	cancelled map[string]bool
}

func (d *dialect) Name() string { return "openai" }

func (d *dialect) Endpoint(_ types.VoiceConfig) (string, http.Header) {
	return fmt.Sprintf("%s?model=%s", d.p.baseURL, url.QueryEscape(d.p.model)), http.Header{
		"Authorization": []string{"Bearer " + d.p.apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
}

func (d *dialect) Setup(cfg types.VoiceConfig) ([]byte, error) {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.VoiceName,
		Instructions:      d.p.instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &inputAudioTranscription{
			Model:    d.p.transcriptionModel,
			Language: primaryLanguage(cfg.LanguageCode),
		},
		TurnDetection: &turnDetection{Type: "server_vad"},
	}
	return json.Marshal(sessionUpdateMessage{Type: "session.update", Session: params})
}

func (d *dialect) EncodeAudio(frame audio.AudioFrame) ([]byte, error) {
	return json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
}

func (d *dialect) Decode(data []byte, emit s2s.Emitter) error {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("openai: decode: %w", err)
	}

	switch ev.Type {
	case "session.updated":
		emit.Control(s2s.ControlMessage{Kind: s2s.ControlReady})

	case "response.created":
		if ev.Response != nil {
			d.active = ev.Response.ID
		}

	case "response.audio.delta":
		if d.stale(ev.ResponseID) {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return fmt.Errorf("openai: decode audio delta: %w", err)
		}
		emit.Audio(pcm, audio.Format{SampleRate: sampleRate, Channels: 1})

	case "response.audio_transcript.delta":
		if ev.Delta != "" && !d.stale(ev.ResponseID) {
			emit.Transcript(types.Transcript{Role: types.RoleAgent, Text: ev.Delta})
		}

	case "response.audio_transcript.done":
		if d.stale(ev.ResponseID) {
			return nil
		}
		if text := strings.TrimSpace(ev.Transcript); text != "" {
			emit.Transcript(types.Transcript{Role: types.RoleAgent, Text: text, Final: true})
		}

	case "conversation.item.input_audio_transcription.completed":
		if text := strings.TrimSpace(ev.Transcript); text != "" {
			emit.Transcript(types.Transcript{Role: types.RoleUser, Text: text, Final: true})
		}

	case "input_audio_buffer.speech_started":
		if d.active != "" {
			d.cancelled[d.active] = true
			d.active = ""
		}
		emit.Control(s2s.ControlMessage{Kind: s2s.ControlInterrupted})

	case "response.done":
		if ev.Response != nil {
			id := ev.Response.ID
			wasCancelled := d.cancelled[id]
			delete(d.cancelled, id)
			if d.active == id {
				d.active = ""
			}
			// A cancelled response was already reported as Interrupted.
			if wasCancelled || ev.Response.Status == "cancelled" {
				return nil
			}
		}
		emit.Control(s2s.ControlMessage{Kind: s2s.ControlTurnComplete})

	case "error":
		d.handleError(ev.Error, emit)
	}
	return nil
}

// stale reports whether id belongs to a response cut off by the user. An
// event without id adopts nothing and is never stale.
func (d *dialect) stale(id string) bool {
	if id == "" {
		return false
	}
	if d.cancelled[id] {
		return true
	}
	if d.active == "" {
		d.active = id
	}
	return false
}

// handleError treats rejected client requests as recoverable and everything
// else as fatal to the session.
func (d *dialect) handleError(detail *serverErrorDetail, emit s2s.Emitter) {
	if detail == nil {
		detail = &serverErrorDetail{Message: "unknown error"}
	}
	if detail.Type == "invalid_request_error" {
		slog.Warn("openai: request rejected", "code", detail.Code, "message", detail.Message)
		return
	}
	emit.Control(s2s.ControlMessage{
		Kind:    s2s.ControlError,
		ErrKind: types.KindTransport,
		Message: fmt.Sprintf("openai: %s: %s", detail.Type, detail.Message),
	})
}

// primaryLanguage returns the ISO-639-1 part of a BCP-47 tag ("es-ES" → "es").
func primaryLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}
