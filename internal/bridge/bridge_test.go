package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nexus-voice/nexus/internal/convo"
	"github.com/nexus-voice/nexus/internal/history"
	"github.com/nexus-voice/nexus/internal/sidecar"
	"github.com/nexus-voice/nexus/pkg/transcode"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// oggPage builds one Ogg page holding a single packet with the given body.
func oggPage(t *testing.T, body []byte) []byte {
	t.Helper()
	if len(body) >= 255 {
		t.Fatal("test body must fit one lacing value")
	}
	page := make([]byte, 0, 28+len(body))
	page = append(page, 'O', 'g', 'g', 'S')
	page = append(page, make([]byte, 22)...)
	page = append(page, 1, byte(len(body)))
	page = append(page, body...)
	return page
}

// sidecarBehavior runs on the mock sidecar's connection after the handshake
// frame has been sent.
type sidecarBehavior func(ctx context.Context, conn *websocket.Conn)

// mockSidecar is an httptest WebSocket server speaking the tagged frame
// protocol: it sends the empty handshake immediately, then hands off to fn.
func mockSidecar(t *testing.T, fn sidecarBehavior) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(1 << 22)
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x00}); err != nil {
			return
		}
		if fn != nil {
			fn(ctx, conn)
		}
	}))
}

// echoAudio replies to every audio frame with an audio frame wrapping the
// same payload, so bytes sent by the client come back demultiplexed.
func echoAudio(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if len(msg) > 0 && msg[0] == 0x01 {
			if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
				return
			}
		}
	}
}

// harness runs a Bridge behind an httptest server so tests can drive it with
// a real client WebSocket.
type harness struct {
	mu     sync.Mutex
	sess   *Session
	runErr chan error
}

func (h *harness) session() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

func startBridge(t *testing.T, cfg Config, opts ...Option) (*httptest.Server, *harness) {
	t.Helper()

	b := New(cfg, slog.Default(), nil, opts...)
	h := &harness{runErr: make(chan error, 1)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.SetReadLimit(1 << 22)

		sess := NewSession("acme")
		h.mu.Lock()
		h.sess = sess
		h.mu.Unlock()

		sc, err := b.Connect(r.Context(), sidecar.SessionParams{Prompt: "test", Voice: "aria"})
		if err != nil {
			h.runErr <- err
			return
		}
		rec := history.NewRecorder(sess.ID, sess.Tenant)
		h.runErr <- b.Run(r.Context(), conn, sc, sess, rec)
	}))
	t.Cleanup(srv.Close)
	return srv, h
}

func testBridgeConfig(sidecarURL string) Config {
	return Config{
		Sidecar: sidecar.Config{
			URL:              sidecarURL,
			ConnectTimeout:   2 * time.Second,
			MaxAttempts:      1,
			RetryDelay:       10 * time.Millisecond,
			HandshakeTimeout: 2 * time.Second,
		},
		TranscoderPath:   "cat",
		TranscoderArgs:   []string{},
		SampleRate:       48000,
		Channels:         1,
		ChunkSize:        4096,
		HeaderPackets:    0,
		SpeakingDebounce: 0,
	}
}

// dialClient connects to the bridge server and consumes the ready event.
func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	conn.SetReadLimit(1 << 22)

	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ready event: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("first message type = %v, want text event", typ)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode ready event: %v", err)
	}
	if ev.Type != EventReady {
		t.Fatalf("first event = %q, want %q", ev.Type, EventReady)
	}
	return conn
}

func TestConfig_TranscoderArgs(t *testing.T) {
	t.Parallel()

	cfg := Config{TranscoderPath: "ffmpeg", SampleRate: 48000, Channels: 1}
	want := transcode.InboundArgs(48000, 1)
	got := cfg.transcoderArgs()
	if len(got) != len(want) {
		t.Fatalf("default args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("default args = %v, want %v", got, want)
		}
	}

	cfg.TranscoderArgs = []string{}
	if got := cfg.transcoderArgs(); len(got) != 0 {
		t.Errorf("empty override args = %v, want none", got)
	}
}

func TestSession_SpeakingDebounce(t *testing.T) {
	t.Parallel()

	s := NewSession("acme")
	if s.Speaking() {
		t.Error("new session reports speaking")
	}

	s.MarkSpeaking(50 * time.Millisecond)
	if !s.Speaking() {
		t.Error("not speaking immediately after MarkSpeaking")
	}

	time.Sleep(80 * time.Millisecond)
	if s.Speaking() {
		t.Error("still speaking after debounce window passed")
	}
}

func TestBridge_ClientTextAnsweredByEngine(t *testing.T) {
	t.Parallel()

	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		<-ctx.Done()
	})
	defer sidecarSrv.Close()

	srv, _ := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)),
		WithConversationEngine(convo.NewMockEngine()))
	conn := dialClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","content":"hello there"}`)); err != nil {
		t.Fatalf("send message: %v", err)
	}

	var got string
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != EventResponsePart {
			t.Fatalf("event type = %q, want %q", ev.Type, EventResponsePart)
		}
		got += ev.Content
		if strings.Contains(got, "there") {
			break
		}
	}
}

func TestBridge_MalformedClientTextAbsorbed(t *testing.T) {
	t.Parallel()

	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		<-ctx.Done()
	})
	defer sidecarSrv.Close()

	srv, h := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)))
	conn := dialClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json at all")); err != nil {
		t.Fatalf("send text: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.session().MalformedFrames.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("malformed client text was not counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.session().ClientTexts.Load(); got != 0 {
		t.Errorf("ClientTexts = %d, want 0 for malformed input", got)
	}
}

func TestBridge_EndToEndEcho(t *testing.T) {
	t.Parallel()

	sidecarSrv := mockSidecar(t, echoAudio)
	defer sidecarSrv.Close()

	srv, h := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)))
	conn := dialClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// With cat as the transcoder the page passes through untouched, goes to
	// the mock sidecar, echoes back, and reaches the client as one tagged
	// audio frame carrying the page.
	page := oggPage(t, []byte("opus-packet-body"))
	if err := conn.Write(ctx, websocket.MessageBinary, page); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read echoed frame: %v", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if len(msg) == 0 || msg[0] != 0x01 {
			t.Fatalf("frame tag = %v, want 0x01", msg)
		}
		if string(msg[1:]) != string(page) {
			t.Fatalf("frame payload = %q, want %q", msg[1:], page)
		}
		break
	}

	sess := h.session()
	if sess.ClientChunks.Load() != 1 {
		t.Errorf("ClientChunks = %d, want 1", sess.ClientChunks.Load())
	}
	if sess.PacketsDemuxed.Load() == 0 {
		t.Error("PacketsDemuxed = 0, want at least 1")
	}
}

func TestBridge_SidecarAudioOrderPreserved(t *testing.T) {
	t.Parallel()

	// The sidecar pushes five audio frames unprompted; the client must see
	// all five, tagged, in send order.
	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		for i := byte(0); i < 5; i++ {
			frame := append([]byte{0x01}, 'f', 'r', 'a', 'm', 'e', i)
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
		<-ctx.Done()
	})
	defer sidecarSrv.Close()

	srv, _ := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)))
	conn := dialClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := byte(0); i < 5; i++ {
		var msg []byte
		for {
			typ, m, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("read frame %d: %v", i, err)
			}
			if typ == websocket.MessageBinary {
				msg = m
				break
			}
		}
		want := append([]byte{0x01}, 'f', 'r', 'a', 'm', 'e', i)
		if string(msg) != string(want) {
			t.Fatalf("frame %d = %v, want %v", i, msg, want)
		}
	}
}

func TestBridge_TextFromSidecarBecomesEvent(t *testing.T) {
	t.Parallel()

	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Write(ctx, websocket.MessageBinary, append([]byte{0x02}, "partial words"...))
		<-ctx.Done()
	})
	defer sidecarSrv.Close()

	srv, _ := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)))
	conn := dialClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read text event: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != EventTranscript || ev.Content != "partial words" {
		t.Errorf("event = %+v", ev)
	}
}

func TestBridge_BargeInDropsSidecarAudio(t *testing.T) {
	t.Parallel()

	// The sidecar answers the first audio frame with three audio frames.
	// With a long speaking debounce the client still counts as speaking, so
	// all three must be dropped.
	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if len(msg) > 0 && msg[0] == 0x01 {
				for i := 0; i < 3; i++ {
					page := append([]byte{0x01}, 'O', 'g', 'g', 'S')
					page = append(page, make([]byte, 22)...)
					page = append(page, 1, 4, 'b', 'e', 'e', 'p')
					if err := conn.Write(ctx, websocket.MessageBinary, page); err != nil {
						return
					}
				}
			}
		}
	})
	defer sidecarSrv.Close()

	cfg := testBridgeConfig(wsURL(sidecarSrv))
	cfg.SpeakingDebounce = time.Minute

	srv, h := startBridge(t, cfg)
	conn := dialClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageBinary, oggPage(t, []byte("speech"))); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.session().BargeInDrops.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("BargeInDrops = %d, want 3", h.session().BargeInDrops.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := h.session().PacketsDemuxed.Load(); got != 0 {
		t.Errorf("PacketsDemuxed = %d, want 0 while speaking", got)
	}
}

func TestBridge_KeepaliveFramesCounted(t *testing.T) {
	t.Parallel()

	// Handshake-tagged frames after the initial handshake are keepalives.
	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x00}); err != nil {
				return
			}
		}
		<-ctx.Done()
	})
	defer sidecarSrv.Close()

	srv, h := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)))
	dialClient(t, srv)

	deadline := time.Now().Add(3 * time.Second)
	for h.session().KeepaliveFrames.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("KeepaliveFrames = %d, want 2", h.session().KeepaliveFrames.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.session().SidecarAudioFrames.Load(); got != 0 {
		t.Errorf("SidecarAudioFrames = %d, want 0", got)
	}
}

func TestBridge_ClientCloseTearsDownSession(t *testing.T) {
	t.Parallel()

	sidecarClosed := make(chan struct{})
	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		defer close(sidecarClosed)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	defer sidecarSrv.Close()

	srv, h := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)))
	conn := dialClient(t, srv)

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close client: %v", err)
	}

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run returned %v, want nil for clean close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after client close")
	}

	select {
	case <-sidecarClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("sidecar connection was not closed on teardown")
	}
}

func TestBridge_SidecarCloseTearsDownSession(t *testing.T) {
	t.Parallel()

	sidecarSrv := mockSidecar(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusNormalClosure, "model done")
	})
	defer sidecarSrv.Close()

	srv, h := startBridge(t, testBridgeConfig(wsURL(sidecarSrv)))
	dialClient(t, srv)

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run returned %v, want nil for sidecar close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after sidecar close")
	}
}

func TestBridge_ConnectFailure(t *testing.T) {
	t.Parallel()

	b := New(testBridgeConfig("ws://127.0.0.1:1/nowhere"), slog.Default(), nil)
	_, err := b.Connect(context.Background(), sidecar.SessionParams{})
	if err == nil {
		t.Fatal("Connect to dead endpoint succeeded, want error")
	}
}
