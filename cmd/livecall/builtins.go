package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/livecall/internal/config"
	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/audio/capture"
	"github.com/MrWong99/livecall/pkg/audio/playback"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
	geminilive "github.com/MrWong99/livecall/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/livecall/pkg/provider/s2s/openai"
)

// registerBuiltins wires the backends and audio devices that ship with
// livecall into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Voice agent backends ──────────────────────────────────────────────────
	reg.RegisterProvider("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if entry.Instructions != "" {
			opts = append(opts, geminilive.WithInstructions(entry.Instructions))
		}
		if dopts := transportOptions(entry.Options); len(dopts) > 0 {
			opts = append(opts, geminilive.WithTransportOptions(dopts...))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
	reg.RegisterProvider("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if entry.Instructions != "" {
			opts = append(opts, oais2s.WithInstructions(entry.Instructions))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		if dopts := transportOptions(entry.Options); len(dopts) > 0 {
			opts = append(opts, oais2s.WithTransportOptions(dopts...))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Microphone ────────────────────────────────────────────────────────────
	reg.RegisterInput("ffmpeg", func(c config.InputConfig) (capture.Device, error) {
		return capture.NewFFmpegDevice(inputFormat(c)), nil
	})
	reg.RegisterInput("file", func(c config.InputConfig) (capture.Device, error) {
		return capture.NewFileDevice(c.Path, inputFormat(c)), nil
	})

	// ── Speaker ───────────────────────────────────────────────────────────────
	reg.RegisterOutput("ffplay", func(_ config.OutputConfig, f audio.Format) (playback.Output, error) {
		return playback.NewFFplayOutput(f)
	})
	reg.RegisterOutput("file", func(c config.OutputConfig, _ audio.Format) (playback.Output, error) {
		f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", c.Path, err)
		}
		return playback.NewWriterOutput(f), nil
	})
	reg.RegisterOutput("discard", func(config.OutputConfig, audio.Format) (playback.Output, error) {
		return playback.NewWriterOutput(io.Discard), nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered builtin", "kind", kind, "name", name)
		}
	}
}

func inputFormat(c config.InputConfig) audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// transportOptions maps the duplex tuning keys of a provider's options block.
// Durations are Go duration strings ("20s").
func transportOptions(opts map[string]any) []s2s.DuplexOption {
	var out []s2s.DuplexOption
	if d := optDuration(opts, "keepalive"); d > 0 {
		out = append(out, s2s.WithKeepalive(d))
	}
	if d := optDuration(opts, "write_timeout"); d > 0 {
		out = append(out, s2s.WithWriteTimeout(d))
	}
	if d := optDuration(opts, "close_timeout"); d > 0 {
		out = append(out, s2s.WithCloseTimeout(d))
	}
	return out
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
