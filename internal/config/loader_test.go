package config

import (
	"strings"
	"testing"
	"time"

	"github.com/nexus-voice/nexus/internal/tools"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
sidecar:
  url: "ws://sidecar:9100/stream"
  connect_timeout: 5s
  max_attempts: 5
  retry_delay: 1s
  handshake_timeout: 30s
audio:
  sample_rate: 48000
  channels: 1
  chunk_size: 8192
  header_packets: 2
  speaking_debounce: 150ms
  client_output: pcm
transcoder:
  path: "/usr/bin/ffmpeg"
tenants:
  dir: "/etc/nexus/tenants"
conversation:
  model: "gpt-4o"
history:
  dir: "/var/lib/nexus/sessions"
mcp:
  servers:
    - name: crm
      transport: stdio
      command: "mcp-crm --readonly"
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Sidecar.URL != "ws://sidecar:9100/stream" {
		t.Errorf("Sidecar.URL = %q", cfg.Sidecar.URL)
	}
	if cfg.Sidecar.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d", cfg.Sidecar.MaxAttempts)
	}
	if cfg.Sidecar.HandshakeTimeout != 30*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.Sidecar.HandshakeTimeout)
	}
	if cfg.Audio.SpeakingDebounce != 150*time.Millisecond {
		t.Errorf("SpeakingDebounce = %v", cfg.Audio.SpeakingDebounce)
	}
	if cfg.Audio.ClientOutput != OutputPCM {
		t.Errorf("ClientOutput = %q", cfg.Audio.ClientOutput)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].Name != "crm" {
		t.Errorf("MCP.Servers = %+v", cfg.MCP.Servers)
	}
}

func TestLoadFromReader_DefaultsFillGaps(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
sidecar:
  url: "ws://127.0.0.1:9100/stream"
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default", cfg.Server.ListenAddr)
	}
	if cfg.Sidecar.RetryDelay != 2*time.Second {
		t.Errorf("RetryDelay = %v, want default 2s", cfg.Sidecar.RetryDelay)
	}
	if cfg.Audio.HeaderPackets != 2 {
		t.Errorf("HeaderPackets = %d, want default 2", cfg.Audio.HeaderPackets)
	}
}

func TestLoadFromReader_UnknownKeyRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
sidecar:
  url: "ws://x/stream"
  handshek_timeout: 30s
`))
	if err == nil {
		t.Fatal("unknown key accepted, want error")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Sidecar.URL = ""
	cfg.Sidecar.MaxAttempts = 0
	cfg.Audio.Channels = 7
	cfg.Audio.ClientOutput = "mp3"
	cfg.Transcoder.Path = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate succeeded, want error")
	}
	for _, want := range []string{"sidecar.url", "max_attempts", "audio.channels", "client_output", "transcoder.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidate_MCPServers(t *testing.T) {
	cfg := Default()
	cfg.Sidecar.URL = "ws://x/stream"
	cfg.MCP.Servers = []tools.ServerConfig{
		{Transport: tools.TransportStdio},
		{Name: "web", Transport: tools.TransportStreamableHTTP},
		{Name: "weird", Transport: "telepathy"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate succeeded, want error")
	}
	for _, want := range []string{"mcp.servers[0].name", "mcp.servers[0].command", "mcp.servers[1].url", "mcp.servers[2].transport"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIDECAR_WS_URL", "ws://override:9100/stream")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("TRANSCODER_PATH", "/opt/bin/ffmpeg")
	t.Setenv("HISTORY_POSTGRES_DSN", "postgres://env/db")

	cfg, err := LoadFromReader(strings.NewReader(`
sidecar:
  url: "ws://file:9100/stream"
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Sidecar.URL != "ws://override:9100/stream" {
		t.Errorf("Sidecar.URL = %q, want env override", cfg.Sidecar.URL)
	}
	if cfg.Conversation.OpenAIAPIKey != "sk-env" {
		t.Errorf("OpenAIAPIKey = %q", cfg.Conversation.OpenAIAPIKey)
	}
	if cfg.Transcoder.Path != "/opt/bin/ffmpeg" {
		t.Errorf("Transcoder.Path = %q", cfg.Transcoder.Path)
	}
	if cfg.History.PostgresDSN != "postgres://env/db" {
		t.Errorf("PostgresDSN = %q", cfg.History.PostgresDSN)
	}
}
