package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Known component names per kind. Used by [Validate] to reject typos before
// the registry is consulted.
var (
	ValidProviderNames = []string{"gemini-live", "openai-realtime"}
	ValidInputDevices  = []string{"ffmpeg", "file"}
	ValidOutputDevices = []string{"ffplay", "file", "discard"}
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultFrameDuration  = 20 * time.Millisecond
	DefaultConnectTimeout = 15 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultPreRollFrames  = 25
	DefaultCRMTimeout     = 30 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes is [LoadFromReader] over an in-memory document.
func LoadFromBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills zero-valued fields that have a sensible default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Input.Device == "" {
		cfg.Audio.Input.Device = "ffmpeg"
	}
	if cfg.Audio.Input.SampleRate == 0 {
		cfg.Audio.Input.SampleRate = 16000
	}
	if cfg.Audio.Input.Channels == 0 {
		cfg.Audio.Input.Channels = 1
	}
	if cfg.Audio.Input.FrameDuration == 0 {
		cfg.Audio.Input.FrameDuration = DefaultFrameDuration
	}
	if cfg.Audio.Output.Device == "" {
		cfg.Audio.Output.Device = "ffplay"
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Session.StopTimeout == 0 {
		cfg.Session.StopTimeout = DefaultStopTimeout
	}
	if cfg.Session.PreRollFrames == 0 {
		cfg.Session.PreRollFrames = DefaultPreRollFrames
	}
	if cfg.CRM.Timeout == 0 {
		cfg.CRM.Timeout = DefaultCRMTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	switch {
	case cfg.Provider.Name == "":
		errs = append(errs, errors.New("provider.name is required"))
	case !slices.Contains(ValidProviderNames, cfg.Provider.Name):
		errs = append(errs, fmt.Errorf("provider.name %q is invalid; valid values: %v", cfg.Provider.Name, ValidProviderNames))
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the backend will most likely reject the session")
	}
	if cfg.Provider.BaseURL != "" {
		if err := checkURL(cfg.Provider.BaseURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("provider.base_url: %w", err))
		}
	}

	// Audio input
	in := cfg.Audio.Input
	if !slices.Contains(ValidInputDevices, in.Device) {
		errs = append(errs, fmt.Errorf("audio.input.device %q is invalid; valid values: %v", in.Device, ValidInputDevices))
	}
	if in.Device == "file" && in.Path == "" {
		errs = append(errs, errors.New("audio.input.path is required when device is file"))
	}
	if in.SampleRate < 0 || in.Channels < 0 || in.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.input format %dHz/%dch is invalid", in.SampleRate, in.Channels))
	}
	if in.FrameDuration < 0 || in.FrameDuration > time.Second {
		errs = append(errs, fmt.Errorf("audio.input.frame_duration %v is out of range (0, 1s]", in.FrameDuration))
	}

	// Audio output
	out := cfg.Audio.Output
	if !slices.Contains(ValidOutputDevices, out.Device) {
		errs = append(errs, fmt.Errorf("audio.output.device %q is invalid; valid values: %v", out.Device, ValidOutputDevices))
	}
	if out.Device == "file" && out.Path == "" {
		errs = append(errs, errors.New("audio.output.path is required when device is file"))
	}
	if out.SampleRate < 0 || out.Channels < 0 || out.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.output format %dHz/%dch is invalid", out.SampleRate, out.Channels))
	}

	// Session
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %v must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.stop_timeout %v must not be negative", cfg.Session.StopTimeout))
	}
	if cfg.Session.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("session.pre_roll_frames %d must not be negative", cfg.Session.PreRollFrames))
	}

	// CRM
	if cfg.CRM.BaseURL == "" {
		errs = append(errs, errors.New("crm.base_url is required"))
	} else if err := checkURL(cfg.CRM.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("crm.base_url: %w", err))
	}
	if cfg.CRM.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("crm.breaker.max_failures %d must not be negative", cfg.CRM.Breaker.MaxFailures))
	}

	// Call log
	switch {
	case cfg.CallLog.PostgresDSN != "" && cfg.CallLog.Path != "":
		errs = append(errs, errors.New("calllog: set either postgres_dsn or path, not both"))
	case cfg.CallLog.PostgresDSN == "" && cfg.CallLog.Path == "":
		slog.Debug("calllog has no postgres_dsn or path; call records are kept in memory")
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is invalid; valid values: %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
