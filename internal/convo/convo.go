// Package convo drives text conversations for the conversation WebSocket
// endpoint. An [Engine] turns one user message into a stream of response
// chunks, keeping per-session history so follow-up messages have context.
package convo

import "context"

// ChunkType classifies one streamed response chunk.
type ChunkType string

const (
	// ChunkText carries a fragment of the assistant's reply.
	ChunkText ChunkType = "text"

	// ChunkToolCall reports that the assistant invoked a tool. Content is
	// the tool name; it lets clients show activity during slow calls.
	ChunkToolCall ChunkType = "tool_call"

	// ChunkDone marks the end of a complete response.
	ChunkDone ChunkType = "done"

	// ChunkError reports a failed response. Content is the error text.
	ChunkError ChunkType = "error"
)

// Chunk is one streamed fragment of an assistant response.
type Chunk struct {
	Type    ChunkType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// Engine produces assistant responses. Implementations keep per-session
// conversation history and must be safe for concurrent use across sessions.
type Engine interface {
	// Respond streams the assistant's reply to one user message. The
	// returned channel is closed after a ChunkDone or ChunkError chunk.
	Respond(ctx context.Context, sessionID, userText string) (<-chan Chunk, error)

	// Reset discards the stored history for sessionID.
	Reset(sessionID string)
}
