package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nexus-voice/nexus/internal/bridge"
	"github.com/nexus-voice/nexus/internal/convo"
	"github.com/nexus-voice/nexus/internal/history"
	"github.com/nexus-voice/nexus/internal/sidecar"
	"github.com/nexus-voice/nexus/internal/tenant"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// writeTenant creates dir/<id>/config.yaml with a minimal valid config.
func writeTenant(t *testing.T, dir, id string) {
	t.Helper()
	td := filepath.Join(dir, id)
	if err := os.MkdirAll(td, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "system_prompt: You are a helpful assistant.\nvoice_settings:\n  voice_id: aria\n"
	if err := os.WriteFile(filepath.Join(td, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
}

// mockSidecar accepts the tagged-frame WebSocket, sends the handshake, and
// absorbs frames until the peer goes away.
func mockSidecar(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x00}); err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func testBridge(sidecarURL string) *bridge.Bridge {
	return bridge.New(bridge.Config{
		Sidecar: sidecar.Config{
			URL:              sidecarURL,
			ConnectTimeout:   2 * time.Second,
			MaxAttempts:      1,
			RetryDelay:       10 * time.Millisecond,
			HandshakeTimeout: 2 * time.Second,
		},
		TranscoderPath: "cat",
		TranscoderArgs: []string{},
		SampleRate:     48000,
		Channels:       1,
		ChunkSize:      4096,
	}, slog.Default(), nil)
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) bridge.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev bridge.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return ev
}

func TestHandleCall_TenantNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(testBridge("ws://unused"), tenant.NewLoader(t.TempDir()), slog.Default(), nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/call/ghost"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ev := readEvent(t, ctx, conn)
	if ev.Type != bridge.EventError || ev.Code != bridge.CodeTenantNotFound {
		t.Errorf("event = %+v, want error/%s", ev, bridge.CodeTenantNotFound)
	}
}

func TestHandleCall_SidecarUnavailable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTenant(t, dir, "acme")

	srv := httptest.NewServer(New(testBridge("ws://127.0.0.1:1/nowhere"), tenant.NewLoader(dir), slog.Default(), nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/call/acme"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ev := readEvent(t, ctx, conn)
	if ev.Type != bridge.EventConnected || ev.SessionID == "" {
		t.Fatalf("first event = %+v, want connected with session_id", ev)
	}

	ev = readEvent(t, ctx, conn)
	if ev.Type != bridge.EventError || ev.Code != bridge.CodeSidecarUnavailable {
		t.Errorf("event = %+v, want error/%s", ev, bridge.CodeSidecarUnavailable)
	}
}

func TestHandleCall_SessionSavedToHistory(t *testing.T) {
	t.Parallel()

	sidecarSrv := mockSidecar(t)
	defer sidecarSrv.Close()

	dir := t.TempDir()
	writeTenant(t, dir, "acme")
	repo, err := history.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(New(
		testBridge("ws"+strings.TrimPrefix(sidecarSrv.URL, "http")),
		tenant.NewLoader(dir), slog.Default(), nil,
		WithHistory(repo),
	).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/call/acme"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ev := readEvent(t, ctx, conn)
	if ev.Type != bridge.EventConnected {
		t.Fatalf("first event = %+v, want connected", ev)
	}
	sessionID := ev.SessionID

	if ev = readEvent(t, ctx, conn); ev.Type != bridge.EventReady {
		t.Fatalf("second event = %+v, want ready", ev)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","content":"hello there"}`)); err != nil {
		t.Fatalf("send text: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	// The record is written after Run returns; poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := repo.Get(ctx, sessionID)
		if err == nil {
			if rec.Tenant != "acme" {
				t.Errorf("saved tenant = %q, want acme", rec.Tenant)
			}
			found := false
			for _, e := range rec.Events {
				if e.Kind == history.EventUserText && e.Text == "hello there" {
					found = true
				}
			}
			if !found {
				t.Errorf("saved events missing user text: %+v", rec.Events)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session record never saved: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandleConversation(t *testing.T) {
	t.Parallel()

	eng := convo.NewMockEngine()
	srv := httptest.NewServer(New(testBridge("ws://unused"), tenant.NewLoader(t.TempDir()), slog.Default(), nil,
		WithConversation(eng)).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/conversation/chat-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	send := func(v any) {
		t.Helper()
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	recv := func() convoReply {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var rep convoReply
		if err := json.Unmarshal(data, &rep); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		return rep
	}

	send(convoMessage{Type: "ping"})
	if rep := recv(); rep.Type != "pong" {
		t.Errorf("ping reply = %+v, want pong", rep)
	}

	send(convoMessage{Type: "message", Content: "two words"})
	var parts []string
	for {
		rep := recv()
		switch rep.Type {
		case "response_part":
			parts = append(parts, rep.Content)
			continue
		case "response":
			if strings.TrimSpace(rep.Content) != "two words" {
				t.Errorf("final response = %q, want %q", rep.Content, "two words")
			}
		default:
			t.Fatalf("unexpected reply %+v", rep)
		}
		break
	}
	if len(parts) < 2 {
		t.Errorf("got %d response parts, want streamed words", len(parts))
	}

	send(convoMessage{Type: "close"})
}

func TestHandleTenants(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTenant(t, dir, "acme")
	writeTenant(t, dir, "globex")
	writeTenant(t, dir, "_template")

	srv := httptest.NewServer(New(testBridge("ws://unused"), tenant.NewLoader(dir), slog.Default(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tenants")
	if err != nil {
		t.Fatalf("GET /tenants: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Tenants []tenant.Info `json:"tenants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tenants) != 2 {
		t.Errorf("listed %d tenants, want 2 (template hidden)", len(body.Tenants))
	}
}

func TestHandleStats_Empty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(testBridge("ws://unused"), tenant.NewLoader(t.TempDir()), slog.Default(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()

	var body statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ActiveSessions != 0 || len(body.Sessions) != 0 {
		t.Errorf("stats = %+v, want empty", body)
	}
}

func TestHandleSession_NotFound(t *testing.T) {
	t.Parallel()

	repo, err := history.NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(testBridge("ws://unused"), tenant.NewLoader(t.TempDir()), slog.Default(), nil,
		WithHistory(repo)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/nope")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(testBridge("ws://unused"), tenant.NewLoader(t.TempDir()), slog.Default(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
