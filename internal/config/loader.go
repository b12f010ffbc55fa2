package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AddressEnv overrides server.listen_addr when set.
const AddressEnv = "SWITCHYARD_ADDRESS"

// KnownBackendTypes lists the backend types built into switchyard. [Validate]
// warns about unknown types, which may come from out-of-tree factories.
var KnownBackendTypes = []string{"echo", "openai-realtime", "gemini", "deepgram", "elevenlabs", "dialog"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8123")
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Audio.SampleRate, 16000)
	setDefault(&cfg.Audio.FrameDuration, 20*time.Millisecond)
	setDefault(&cfg.Audio.Tail, "pad")

	setDefault(&cfg.Session.InboundBuffer, 50)
	setDefault(&cfg.Session.OutboundBuffer, 100)
	setDefault(&cfg.Session.StalenessThreshold, 500*time.Millisecond)
	setDefault(&cfg.Session.ShutdownTimeout, 3*time.Second)

	setDefault(&cfg.Bridge.Path, "/")
	setDefault(&cfg.Bridge.MaxConnections, 256)
	setDefault(&cfg.Bridge.MaxBufferedAudio, 5*time.Second)
	setDefault(&cfg.Bridge.PingInterval, 20*time.Second)
	setDefault(&cfg.Bridge.HandshakeTimeout, 10*time.Second)
	setDefault(&cfg.Bridge.SpeechGate.Threshold, 0.02)
	setDefault(&cfg.Bridge.SpeechGate.Attack, 10*time.Millisecond)
	setDefault(&cfg.Bridge.SpeechGate.Release, 200*time.Millisecond)

	setDefault(&cfg.Journal.RedisChannel, "switchyard:sessions")
	setDefault(&cfg.Journal.Queue, 256)

	if cfg.Bridge.DefaultBackend == "" && len(cfg.Backends) > 0 {
		cfg.Bridge.DefaultBackend = cfg.Backends[0].Name
	}
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes strictly, applies
// defaults and the environment override, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if addr := os.Getenv(AddressEnv); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s must be positive", cfg.Audio.FrameDuration))
	}
	if cfg.Audio.Tail != "" && cfg.Audio.Tail != "pad" && cfg.Audio.Tail != "truncate" {
		errs = append(errs, fmt.Errorf("audio.tail %q is invalid; valid values: pad, truncate", cfg.Audio.Tail))
	}

	if cfg.Session.InboundBuffer < 0 || cfg.Session.OutboundBuffer < 0 {
		errs = append(errs, errors.New("session buffers must not be negative"))
	}
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions %d must not be negative", cfg.Session.MaxSessions))
	}

	if cfg.Bridge.Path != "" && !strings.HasPrefix(cfg.Bridge.Path, "/") {
		errs = append(errs, fmt.Errorf("bridge.path %q must start with /", cfg.Bridge.Path))
	}
	if g := cfg.Bridge.SpeechGate; g.Enabled && (g.Threshold <= 0 || g.Threshold >= 1) {
		errs = append(errs, fmt.Errorf("bridge.speech_gate.threshold %.3f is out of range (0, 1)", g.Threshold))
	}

	seen := make(map[string]int, len(cfg.Backends))
	for i, b := range cfg.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[b.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of backends[%d]", prefix, b.Name, prev))
			}
			seen[b.Name] = i
		}
		if b.Type == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", prefix))
		} else if !slices.Contains(KnownBackendTypes, b.Type) {
			slog.Warn("unknown backend type, may be a typo or out-of-tree factory",
				"backend", b.Name,
				"type", b.Type,
				"known", KnownBackendTypes,
			)
		}
	}
	for i, b := range cfg.Backends {
		for _, fb := range b.Fallbacks {
			if fb == b.Name {
				errs = append(errs, fmt.Errorf("backends[%d].fallbacks lists the backend itself", i))
				continue
			}
			if _, ok := seen[fb]; !ok {
				errs = append(errs, fmt.Errorf("backends[%d].fallbacks references unknown backend %q", i, fb))
			}
		}
	}

	if cfg.Bridge.DefaultBackend != "" {
		if _, ok := seen[cfg.Bridge.DefaultBackend]; !ok {
			errs = append(errs, fmt.Errorf("bridge.default_backend %q is not a configured backend", cfg.Bridge.DefaultBackend))
		}
	}
	if len(cfg.Backends) == 0 {
		slog.Warn("no backends configured; every connect will be rejected")
	}

	return errors.Join(errs...)
}
