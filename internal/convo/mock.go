package convo

import (
	"context"
	"strings"
	"sync"
)

// MockEngine is an [Engine] that echoes scripted responses word by word.
// It backs tests and local development without API credentials.
type MockEngine struct {
	// Reply is the canned response. When empty the engine echoes the user
	// message back.
	Reply string

	mu       sync.Mutex
	resets   map[string]int
	received map[string][]string
}

// NewMockEngine creates a mock that echoes user messages.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		resets:   make(map[string]int),
		received: make(map[string][]string),
	}
}

// Respond implements [Engine].
func (m *MockEngine) Respond(ctx context.Context, sessionID, userText string) (<-chan Chunk, error) {
	m.mu.Lock()
	m.received[sessionID] = append(m.received[sessionID], userText)
	reply := m.Reply
	m.mu.Unlock()
	if reply == "" {
		reply = userText
	}

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		for _, word := range strings.Fields(reply) {
			if !emit(ctx, ch, Chunk{Type: ChunkText, Content: word + " "}) {
				return
			}
		}
		emit(ctx, ch, Chunk{Type: ChunkDone})
	}()
	return ch, nil
}

// Reset implements [Engine].
func (m *MockEngine) Reset(sessionID string) {
	m.mu.Lock()
	m.resets[sessionID]++
	m.mu.Unlock()
}

// Received returns the user messages recorded for sessionID.
func (m *MockEngine) Received(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received[sessionID]...)
}
