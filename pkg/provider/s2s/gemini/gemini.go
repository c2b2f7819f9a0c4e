// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// Sessions use the BidiGenerateContent protocol over the shared
// [s2s.Duplex] transport: audio travels as base64-encoded PCM chunks inside
// JSON messages, the setupComplete acknowledgement marks the session Ready and
// serverContent carries agent audio, transcriptions, turn completion and
// barge-in notifications.
package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputRate  = 16000
	outputRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithInstructions sets the system instruction sent in the setup message,
// typically the agent's persona and call objectives.
func WithInstructions(text string) Option {
	return func(p *Provider) { p.instructions = text }
}

// WithTransportOptions passes options through to every [s2s.Duplex] the
// provider creates.
func WithTransportOptions(opts ...s2s.DuplexOption) Option {
	return func(p *Provider) { p.transportOpts = append(p.transportOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey        string
	model         string
	baseURL       string
	instructions  string
	transportOpts []s2s.DuplexOption
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Name:               "gemini-live",
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
		InputFormat:        audio.Format{SampleRate: inputRate, Channels: 1},
		OutputFormat:       audio.Format{SampleRate: outputRate, Channels: 1},
		MaxSessionDuration: 15 * time.Minute,
	}
}

// NewTransport returns an unconnected transport speaking the Gemini Live
// protocol.
func (p *Provider) NewTransport() s2s.Transport {
	return s2s.NewDuplex(&dialect{p: p}, p.transportOpts...)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *json.RawMessage `json:"toolCall,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── dialect ────────────────────────────────────────────────────────────────────

// dialect is the per-transport Gemini wire codec. The transcript builders are
// only touched from the receive goroutine.
type dialect struct {
	p *Provider

	user  strings.Builder
	agent strings.Builder
}

func (d *dialect) Name() string { return "gemini" }

func (d *dialect) Endpoint(_ types.VoiceConfig) (string, http.Header) {
	u := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.p.baseURL, url.QueryEscape(d.p.apiKey),
	)
	return u, http.Header{"Content-Type": []string{"application/json"}}
}

func (d *dialect) Setup(cfg types.VoiceConfig) ([]byte, error) {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + d.p.model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if d.p.instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: d.p.instructions}},
		}
	}

	if cfg.VoiceName != "" || cfg.LanguageCode != "" {
		sc := &speechConfig{LanguageCode: cfg.LanguageCode}
		if cfg.VoiceName != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	return json.Marshal(msg)
}

func (d *dialect) EncodeAudio(frame audio.AudioFrame) ([]byte, error) {
	rate := frame.SampleRate
	if rate == 0 {
		rate = inputRate
	}
	return json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: "audio/pcm;rate=" + strconv.Itoa(rate),
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			}},
		},
	})
}

func (d *dialect) Decode(data []byte, emit s2s.Emitter) error {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("gemini: decode: %w", err)
	}

	if msg.SetupComplete != nil {
		emit.Control(s2s.ControlMessage{Kind: s2s.ControlReady})
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		emit.Control(s2s.ControlMessage{
			Kind:    s2s.ControlError,
			ErrKind: types.KindTransport,
			Message: fmt.Sprintf("gemini: %s (code %d)", text, msg.Error.Code),
		})
	}
	if msg.ServerContent != nil {
		d.handleServerContent(msg.ServerContent, emit)
	}
	if msg.GoAway != nil {
		emit.Control(s2s.ControlMessage{
			Kind:    s2s.ControlSessionEnd,
			Message: "gemini: server going away, time left " + msg.GoAway.TimeLeft,
		})
	}
	return nil
}

// handleServerContent emits audio before transcripts and the turn signals, so
// a TurnComplete never overtakes the audio of its own message.
func (d *dialect) handleServerContent(sc *serverContent, emit s2s.Emitter) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			emit.Audio(pcm, audio.Format{SampleRate: rateFromMIME(p.InlineData.MIMEType, outputRate), Channels: 1})
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		d.user.WriteString(sc.InputTranscription.Text)
		emit.Transcript(types.Transcript{Role: types.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		d.agent.WriteString(sc.OutputTranscription.Text)
		emit.Transcript(types.Transcript{Role: types.RoleAgent, Text: sc.OutputTranscription.Text})
	}

	if sc.Interrupted || sc.TurnComplete {
		d.flushTranscripts(emit)
	}
	if sc.Interrupted {
		emit.Control(s2s.ControlMessage{Kind: s2s.ControlInterrupted})
	}
	if sc.TurnComplete {
		emit.Control(s2s.ControlMessage{Kind: s2s.ControlTurnComplete})
	}
}

// flushTranscripts emits the accumulated chunks of the turn as final lines.
func (d *dialect) flushTranscripts(emit s2s.Emitter) {
	if text := strings.TrimSpace(d.user.String()); text != "" {
		emit.Transcript(types.Transcript{Role: types.RoleUser, Text: text, Final: true})
	}
	if text := strings.TrimSpace(d.agent.String()); text != "" {
		emit.Transcript(types.Transcript{Role: types.RoleAgent, Text: text, Final: true})
	}
	d.user.Reset()
	d.agent.Reset()
}

// rateFromMIME extracts the rate parameter of "audio/pcm;rate=24000".
func rateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}
