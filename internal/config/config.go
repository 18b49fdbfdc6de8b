// Package config provides the configuration schema and loader for the Nexus
// voice bridge.
package config

import (
	"time"

	"github.com/nexus-voice/nexus/internal/tools"
)

// LogLevel controls log verbosity for the bridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ClientOutput selects what the bridge sends to clients for sidecar audio.
type ClientOutput string

const (
	// OutputOpus relays demultiplexed raw Opus packets as binary messages.
	OutputOpus ClientOutput = "opus"

	// OutputPCM decodes Opus in process and sends 24 kHz float32 PCM.
	OutputPCM ClientOutput = "pcm"
)

// IsValid reports whether o is a recognised client output mode.
func (o ClientOutput) IsValid() bool {
	return o == OutputOpus || o == OutputPCM
}

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Sidecar      SidecarConfig      `yaml:"sidecar"`
	Audio        AudioConfig        `yaml:"audio"`
	Transcoder   TranscoderConfig   `yaml:"transcoder"`
	Tenants      TenantsConfig      `yaml:"tenants"`
	Conversation ConversationConfig `yaml:"conversation"`
	History      HistoryConfig      `yaml:"history"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SidecarConfig describes how to reach the speech-model sidecar.
type SidecarConfig struct {
	// URL is the sidecar's WebSocket endpoint.
	URL string `yaml:"url"`

	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxAttempts is the number of dial attempts before a session fails.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is the fixed pause between failed dial attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// HandshakeTimeout bounds the wait for the sidecar's readiness frame.
	// Model warm-up dominates this, so it is much larger than ConnectTimeout.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AudioConfig holds the audio path settings shared by the transcoder and the
// demultiplexer.
type AudioConfig struct {
	// SampleRate is the Opus stream rate sent to the sidecar.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the channel count sent to the sidecar.
	Channels int `yaml:"channels"`

	// ChunkSize is the read size for the transcoder's output stream.
	ChunkSize int `yaml:"chunk_size"`

	// HeaderPackets is how many leading Ogg packets (codec headers) the
	// demultiplexer discards per stream.
	HeaderPackets int `yaml:"header_packets"`

	// SpeakingDebounce is how long after the last inbound audio chunk the
	// user still counts as speaking for barge-in purposes.
	SpeakingDebounce time.Duration `yaml:"speaking_debounce"`

	// ClientOutput selects opus passthrough or in-process PCM decoding.
	ClientOutput ClientOutput `yaml:"client_output"`
}

// TranscoderConfig selects the external transcoder executable.
type TranscoderConfig struct {
	// Path is the transcoder binary, typically "ffmpeg".
	Path string `yaml:"path"`
}

// TenantsConfig locates per-tenant configuration.
type TenantsConfig struct {
	// Dir is the root directory holding one subdirectory per tenant.
	Dir string `yaml:"dir"`
}

// ConversationConfig configures the text conversation engine.
type ConversationConfig struct {
	// OpenAIAPIKey authenticates against the OpenAI API. Usually supplied
	// via the OPENAI_API_KEY environment variable instead.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// Model is the chat model name (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`
}

// HistoryConfig selects where session recordings are stored. When PostgresDSN
// is set the database repository is used; otherwise JSON files under Dir.
type HistoryConfig struct {
	Dir         string `yaml:"dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MCPConfig lists external tool servers to connect at startup.
type MCPConfig struct {
	Servers []tools.ServerConfig `yaml:"servers"`
}

// Default returns a Config populated with production defaults. Loading a file
// overlays it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Sidecar: SidecarConfig{
			ConnectTimeout:   10 * time.Second,
			MaxAttempts:      3,
			RetryDelay:       2 * time.Second,
			HandshakeTimeout: 45 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:       48000,
			Channels:         1,
			ChunkSize:        4096,
			HeaderPackets:    2,
			SpeakingDebounce: 100 * time.Millisecond,
			ClientOutput:     OutputOpus,
		},
		Transcoder: TranscoderConfig{
			Path: "ffmpeg",
		},
		Tenants: TenantsConfig{
			Dir: "tenants",
		},
		Conversation: ConversationConfig{
			Model: "gpt-4o-mini",
		},
		History: HistoryConfig{
			Dir: "sessions",
		},
	}
}
