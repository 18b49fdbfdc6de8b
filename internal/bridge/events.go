package bridge

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
)

// Event is a JSON control message sent to the client on its WebSocket, next
// to the binary audio stream.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Event types sent to clients.
const (
	// EventConnected confirms the client WebSocket is accepted. Carries the
	// session ID.
	EventConnected = "connected"

	// EventReady reports that the sidecar finished its handshake; audio can
	// flow.
	EventReady = "ready"

	// EventTranscript carries transcript text from the speech model.
	EventTranscript = "transcript"

	// EventResponsePart carries one streamed fragment of a conversation
	// engine reply to a client text message.
	EventResponsePart = "response_part"

	// EventError reports a fatal session error. The connection closes after.
	EventError = "error"
)

// Error codes carried by error events.
const (
	CodeSidecarUnavailable = "audio_service_unavailable"
	CodeTranscoderError    = "transcoder_error"
	CodeTenantNotFound     = "tenant_not_found"
	CodeConfigError        = "config_error"
	CodeInternal           = "internal_error"
)

// SendEvent marshals ev and writes it as one text message.
func SendEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
