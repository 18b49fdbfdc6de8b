package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nexus-voice/nexus/internal/tools"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, and returns a validated [Config]. Values absent from
// the file keep their [Default] values.
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

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and deployment-specific settings from the
// environment. Environment values win over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SIDECAR_WS_URL"); v != "" {
		cfg.Sidecar.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Conversation.OpenAIAPIKey = v
	}
	if v := os.Getenv("TRANSCODER_PATH"); v != "" {
		cfg.Transcoder.Path = v
	}
	if v := os.Getenv("HISTORY_POSTGRES_DSN"); v != "" {
		cfg.History.PostgresDSN = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Sidecar.URL == "" {
		errs = append(errs, errors.New("sidecar.url is required (or set SIDECAR_WS_URL)"))
	}
	if cfg.Sidecar.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sidecar.max_attempts %d must be at least 1", cfg.Sidecar.MaxAttempts))
	}
	if cfg.Sidecar.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("sidecar.connect_timeout must be positive"))
	}
	if cfg.Sidecar.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("sidecar.handshake_timeout must be positive"))
	}
	if cfg.Sidecar.RetryDelay < 0 {
		errs = append(errs, errors.New("sidecar.retry_delay must not be negative"))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", cfg.Audio.Channels))
	}
	if cfg.Audio.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d must be positive", cfg.Audio.ChunkSize))
	}
	if cfg.Audio.HeaderPackets < 0 {
		errs = append(errs, fmt.Errorf("audio.header_packets %d must not be negative", cfg.Audio.HeaderPackets))
	}
	if cfg.Audio.SpeakingDebounce < 0 {
		errs = append(errs, errors.New("audio.speaking_debounce must not be negative"))
	}
	if cfg.Audio.ClientOutput != "" && !cfg.Audio.ClientOutput.IsValid() {
		errs = append(errs, fmt.Errorf("audio.client_output %q is invalid; valid values: opus, pcm", cfg.Audio.ClientOutput))
	}

	if cfg.Transcoder.Path == "" {
		errs = append(errs, errors.New("transcoder.path is required"))
	}
	if cfg.Tenants.Dir == "" {
		errs = append(errs, errors.New("tenants.dir is required"))
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
