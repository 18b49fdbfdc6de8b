package bridge

import (
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session carries the identity and live counters of one bridged call. All
// counter fields are updated from several relay goroutines concurrently; the
// watchdog reads them without locks.
type Session struct {
	ID        string
	Tenant    string
	StartedAt time.Time

	// Client → sidecar direction.
	ClientChunks atomic.Uint64
	ClientBytes  atomic.Uint64
	ClientTexts  atomic.Uint64

	// Sidecar → client direction.
	SidecarAudioFrames atomic.Uint64
	SidecarTextFrames  atomic.Uint64
	KeepaliveFrames    atomic.Uint64
	UnknownFrames      atomic.Uint64
	MalformedFrames    atomic.Uint64
	PacketsDemuxed     atomic.Uint64
	BargeInDrops       atomic.Uint64

	// speakingUntil is a unix-nanosecond deadline. The transcoder pump is the
	// only writer; the sidecar relay only reads, so a single atomic carries
	// the barge-in state between them without locking the audio path.
	speakingUntil atomic.Int64
}

// NewSession creates a session with a fresh ULID.
func NewSession(tenant string) *Session {
	return &Session{
		ID:        ulid.Make().String(),
		Tenant:    tenant,
		StartedAt: time.Now(),
	}
}

// MarkSpeaking extends the speaking window to now+debounce. Called for every
// transcoded client audio chunk.
func (s *Session) MarkSpeaking(debounce time.Duration) {
	s.speakingUntil.Store(time.Now().Add(debounce).UnixNano())
}

// Speaking reports whether the user is inside the speaking window, trailing
// debounce included.
func (s *Session) Speaking() bool {
	return time.Now().UnixNano() < s.speakingUntil.Load()
}

// Stats is a point-in-time snapshot of a session's counters, as exposed on
// the HTTP stats endpoint and in watchdog summaries.
type Stats struct {
	ID                 string    `json:"id"`
	Tenant             string    `json:"tenant"`
	StartedAt          time.Time `json:"started_at"`
	ClientChunks       uint64    `json:"client_chunks"`
	ClientBytes        uint64    `json:"client_bytes"`
	ClientTexts        uint64    `json:"client_texts"`
	SidecarAudioFrames uint64    `json:"sidecar_audio_frames"`
	SidecarTextFrames  uint64    `json:"sidecar_text_frames"`
	KeepaliveFrames    uint64    `json:"keepalive_frames"`
	UnknownFrames      uint64    `json:"unknown_frames"`
	MalformedFrames    uint64    `json:"malformed_frames"`
	PacketsDemuxed     uint64    `json:"packets_demuxed"`
	BargeInDrops       uint64    `json:"barge_in_drops"`
}

// Snapshot returns the session's current counter values.
func (s *Session) Snapshot() Stats {
	return Stats{
		ID:                 s.ID,
		Tenant:             s.Tenant,
		StartedAt:          s.StartedAt,
		ClientChunks:       s.ClientChunks.Load(),
		ClientBytes:        s.ClientBytes.Load(),
		ClientTexts:        s.ClientTexts.Load(),
		SidecarAudioFrames: s.SidecarAudioFrames.Load(),
		SidecarTextFrames:  s.SidecarTextFrames.Load(),
		KeepaliveFrames:    s.KeepaliveFrames.Load(),
		UnknownFrames:      s.UnknownFrames.Load(),
		MalformedFrames:    s.MalformedFrames.Load(),
		PacketsDemuxed:     s.PacketsDemuxed.Load(),
		BargeInDrops:       s.BargeInDrops.Load(),
	}
}
