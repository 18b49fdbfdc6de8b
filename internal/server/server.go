// Package server exposes the HTTP surface: the call and conversation
// WebSockets plus the tenant, stats, session, health and metrics endpoints.
// Handlers stay thin; session mechanics live in the bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/nexus-voice/nexus/internal/bridge"
	"github.com/nexus-voice/nexus/internal/convo"
	"github.com/nexus-voice/nexus/internal/health"
	"github.com/nexus-voice/nexus/internal/history"
	"github.com/nexus-voice/nexus/internal/observe"
	"github.com/nexus-voice/nexus/internal/sidecar"
	"github.com/nexus-voice/nexus/internal/tenant"
)

// Server routes HTTP traffic to the bridge and its supporting stores.
type Server struct {
	log     *slog.Logger
	bridge  *bridge.Bridge
	tenants *tenant.Loader
	metrics *observe.Metrics

	repo   history.Repository
	engine convo.Engine
	hc     *health.Handler

	mu   sync.Mutex
	live map[string]*bridge.Session
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables session persistence after each call.
func WithHistory(repo history.Repository) Option {
	return func(s *Server) { s.repo = repo }
}

// WithConversation enables the text-only conversation endpoint.
func WithConversation(e convo.Engine) Option {
	return func(s *Server) { s.engine = e }
}

// WithHealth mounts the given health handler's endpoints.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.hc = h }
}

// New creates a Server. A nil metrics uses the process-wide default.
func New(b *bridge.Bridge, tenants *tenant.Loader, log *slog.Logger, metrics *observe.Metrics, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Server{
		log:     log,
		bridge:  b,
		tenants: tenants,
		metrics: metrics,
		live:    make(map[string]*bridge.Session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the full route table wrapped in the metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/call/{tenant}", s.handleCall)
	mux.HandleFunc("GET /ws/conversation/{session}", s.handleConversation)
	mux.HandleFunc("GET /tenants", s.handleTenants)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hc != nil {
		s.hc.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// track registers a live session for the stats endpoint.
func (s *Server) track(sess *bridge.Session) {
	s.mu.Lock()
	s.live[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// handleCall runs one audio call session over a WebSocket. The tenant is
// resolved after the upgrade so failures reach the client as error events
// instead of bare HTTP statuses.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")
	conn.SetReadLimit(1 << 22)

	tc, err := s.tenants.Load(tenantID)
	if err != nil {
		code, status := bridge.CodeConfigError, websocket.StatusInternalError
		if errors.Is(err, tenant.ErrNotFound) {
			code, status = bridge.CodeTenantNotFound, websocket.StatusPolicyViolation
		}
		s.log.Warn("tenant rejected", "tenant", tenantID, "error", err)
		s.closeWithError(ctx, conn, status, code, "tenant unavailable")
		return
	}

	sess := bridge.NewSession(tenantID)
	log := s.log.With("session_id", sess.ID, "tenant", tenantID)

	if err := bridge.SendEvent(ctx, conn, bridge.Event{Type: bridge.EventConnected, SessionID: sess.ID}); err != nil {
		return
	}

	sc, err := s.bridge.Connect(ctx, sidecar.SessionParams{
		Prompt: tc.SystemPrompt,
		Voice:  tc.VoiceSettings.VoiceID,
	})
	if err != nil {
		log.Error("sidecar unavailable", "error", err)
		s.closeWithError(ctx, conn, websocket.StatusInternalError, bridge.CodeSidecarUnavailable, "audio service unavailable")
		return
	}

	s.metrics.SessionsStarted.Add(ctx, 1, metric.WithAttributes(observe.Attr("tenant", tenantID)))
	s.track(sess)
	defer s.untrack(sess.ID)

	rec := history.NewRecorder(sess.ID, sess.Tenant)
	runErr := s.bridge.Run(ctx, conn, sc, sess, rec)
	if runErr != nil {
		code := bridge.CodeInternal
		if errors.Is(runErr, bridge.ErrTranscoderStart) {
			code = bridge.CodeTranscoderError
		}
		s.closeWithError(ctx, conn, websocket.StatusInternalError, code, "session failed")
	}

	if s.repo != nil {
		saveCtx := context.WithoutCancel(ctx)
		if err := s.repo.Save(saveCtx, rec.Finalize()); err != nil {
			log.Warn("session record not saved", "error", err)
		}
	}

	if runErr == nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// closeWithError sends a terminal error event and closes the connection with
// the given status.
func (s *Server) closeWithError(ctx context.Context, conn *websocket.Conn, status websocket.StatusCode, code, msg string) {
	_ = bridge.SendEvent(ctx, conn, bridge.Event{Type: bridge.EventError, Code: code, Message: msg})
	conn.Close(status, code)
}

// convoMessage is one client message on the conversation socket.
type convoMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// convoReply is one server message on the conversation socket.
type convoReply struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleConversation serves the text-only conversation socket. Replies are
// streamed as response_part messages followed by one final response carrying
// the full text.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "conversation ended")
	conn.SetReadLimit(1 << 20)

	if s.engine == nil {
		writeReply(ctx, conn, convoReply{Type: "error", Message: "conversation engine not configured"})
		conn.Close(websocket.StatusPolicyViolation, "not configured")
		return
	}
	defer s.engine.Reset(sessionID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg convoMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			writeReply(ctx, conn, convoReply{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			if err := writeReply(ctx, conn, convoReply{Type: "pong"}); err != nil {
				return
			}

		case "close":
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case "message":
			if err := s.streamReply(ctx, conn, sessionID, msg.Content); err != nil {
				return
			}

		default:
			writeReply(ctx, conn, convoReply{Type: "error", Message: "unknown message type"})
		}
	}
}

// streamReply forwards one engine response to the conversation socket.
func (s *Server) streamReply(ctx context.Context, conn *websocket.Conn, sessionID, userText string) error {
	chunks, err := s.engine.Respond(ctx, sessionID, userText)
	if err != nil {
		return writeReply(ctx, conn, convoReply{Type: "error", Message: err.Error()})
	}

	var full string
	for c := range chunks {
		switch c.Type {
		case convo.ChunkText:
			full += c.Content
			if err := writeReply(ctx, conn, convoReply{Type: "response_part", Content: c.Content}); err != nil {
				return err
			}
		case convo.ChunkToolCall:
			if err := writeReply(ctx, conn, convoReply{Type: "tool_call", Content: c.Content}); err != nil {
				return err
			}
		case convo.ChunkError:
			return writeReply(ctx, conn, convoReply{Type: "error", Message: c.Content})
		case convo.ChunkDone:
			return writeReply(ctx, conn, convoReply{Type: "response", Content: full})
		}
	}
	return nil
}

func writeReply(ctx context.Context, conn *websocket.Conn, rep convoReply) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleTenants lists the available tenants.
func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	infos, err := s.tenants.List()
	if err != nil {
		http.Error(w, "failed to list tenants", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": infos})
}

// statsResponse is the body of the stats endpoint.
type statsResponse struct {
	ActiveSessions int            `json:"active_sessions"`
	Sessions       []bridge.Stats `json:"sessions"`
}

// handleStats reports a snapshot of every live session's counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stats := make([]bridge.Stats, 0, len(s.live))
	for _, sess := range s.live {
		stats = append(stats, sess.Snapshot())
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, statsResponse{ActiveSessions: len(stats), Sessions: stats})
}

// handleSession returns one persisted session record.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		http.Error(w, "history not configured", http.StatusNotFound)
		return
	}
	rec, err := s.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, history.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
