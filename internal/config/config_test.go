package config

import "testing"

func TestLogLevelIsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = false", l)
		}
	}
	if LogLevel("verbose").IsValid() {
		t.Error("unknown log level reported valid")
	}
}

func TestClientOutputIsValid(t *testing.T) {
	t.Parallel()

	if !OutputOpus.IsValid() || !OutputPCM.IsValid() {
		t.Error("known output modes reported invalid")
	}
	if ClientOutput("mp3").IsValid() {
		t.Error("unknown output mode reported valid")
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Sidecar.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.Sidecar.MaxAttempts)
	}
	if cfg.Sidecar.HandshakeTimeout <= cfg.Sidecar.ConnectTimeout {
		t.Error("handshake timeout should exceed connect timeout")
	}
	if cfg.Audio.HeaderPackets != 2 {
		t.Errorf("HeaderPackets = %d", cfg.Audio.HeaderPackets)
	}
	if cfg.Audio.ClientOutput != OutputOpus {
		t.Errorf("ClientOutput = %q", cfg.Audio.ClientOutput)
	}

	// Defaults alone must only be missing the sidecar URL.
	cfg.Sidecar.URL = "ws://127.0.0.1:9100/stream"
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate(defaults + url): %v", err)
	}
}
