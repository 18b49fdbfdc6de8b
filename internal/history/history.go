// Package history records what happened during a bridge session: user and
// assistant turns, barge-in interruptions, and errors. Recordings are
// buffered in memory by a [Recorder] and persisted through a [Repository]
// when the session finalizes.
package history

import (
	"context"
	"sync"
	"time"
)

// EventKind classifies one recorded session event.
type EventKind string

const (
	EventUserAudio      EventKind = "user_audio"
	EventUserText       EventKind = "user_text"
	EventAssistantText  EventKind = "assistant_text"
	EventAssistantAudio EventKind = "assistant_audio"
	EventBargeIn        EventKind = "barge_in"
	EventError          EventKind = "error"
)

// Event is one entry in a session's timeline. Audio events record byte counts
// rather than payloads; text events carry the text itself.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
}

// Session is a finalized session record.
type Session struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Events    []Event   `json:"events"`
}

// Repository persists finalized sessions.
type Repository interface {
	// Save stores one finalized session record.
	Save(ctx context.Context, s Session) error

	// Get returns a previously saved session by ID.
	Get(ctx context.Context, id string) (Session, error)
}

// Recorder accumulates events for one live session. Safe for concurrent use;
// the bridge's relay goroutines record from several sides at once.
type Recorder struct {
	id     string
	tenant string
	start  time.Time
	now    func() time.Time

	mu     sync.Mutex
	events []Event

	// userAudio coalesces consecutive user audio chunks into one event so a
	// long utterance does not produce thousands of entries.
	userAudio      int
	assistantAudio int
}

// NewRecorder starts recording a session.
func NewRecorder(id, tenant string) *Recorder {
	now := time.Now
	return &Recorder{id: id, tenant: tenant, start: now(), now: now}
}

// UserAudio records n bytes of inbound user audio.
func (r *Recorder) UserAudio(n int) {
	r.mu.Lock()
	r.userAudio += n
	r.mu.Unlock()
}

// AssistantAudio records n bytes of synthesized audio sent to the client.
func (r *Recorder) AssistantAudio(n int) {
	r.mu.Lock()
	r.assistantAudio += n
	r.mu.Unlock()
}

// UserText records a text turn from the user.
func (r *Recorder) UserText(text string) {
	r.append(Event{Kind: EventUserText, Text: text})
}

// AssistantText records a transcript chunk from the speech model.
func (r *Recorder) AssistantText(text string) {
	r.append(Event{Kind: EventAssistantText, Text: text})
}

// BargeIn records that assistant audio was dropped because the user spoke.
func (r *Recorder) BargeIn() {
	r.append(Event{Kind: EventBargeIn})
}

// Error records a session-level failure.
func (r *Recorder) Error(msg string) {
	r.append(Event{Kind: EventError, Text: msg})
}

func (r *Recorder) append(e Event) {
	e.Timestamp = r.now()
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Finalize closes the recording and returns the session record. Coalesced
// audio totals are appended as single summary events.
func (r *Recorder) Finalize() Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]Event, len(r.events), len(r.events)+2)
	copy(events, r.events)
	end := r.now()
	if r.userAudio > 0 {
		events = append(events, Event{Kind: EventUserAudio, Timestamp: end, Bytes: r.userAudio})
	}
	if r.assistantAudio > 0 {
		events = append(events, Event{Kind: EventAssistantAudio, Timestamp: end, Bytes: r.assistantAudio})
	}

	return Session{
		ID:        r.id,
		Tenant:    r.tenant,
		StartedAt: r.start,
		EndedAt:   end,
		Events:    events,
	}
}
