package bridge

import (
	"context"
	"log/slog"
	"time"
)

// Watchdog defaults.
const (
	// defaultSummaryInterval is how often session counters are logged.
	defaultSummaryInterval = 2 * time.Second

	// defaultNoAudioGrace is how long a session may run without any sidecar
	// audio before the watchdog raises a warning.
	defaultNoAudioGrace = 10 * time.Second
)

// Watchdog periodically logs a session's counter summary and warns once when
// the sidecar has produced no audio past a grace period. It only observes;
// killing a stuck session is left to the client or the sidecar closing.
type Watchdog struct {
	sess     *Session
	log      *slog.Logger
	interval time.Duration
	grace    time.Duration
}

// WatchdogOption configures a [Watchdog].
type WatchdogOption func(*Watchdog)

// WithSummaryInterval overrides the counter summary cadence.
func WithSummaryInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithNoAudioGrace overrides the grace period before the no-audio warning.
func WithNoAudioGrace(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.grace = d
		}
	}
}

// NewWatchdog creates a watchdog for sess.
func NewWatchdog(sess *Session, log *slog.Logger, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		sess:     sess,
		log:      log,
		interval: defaultSummaryInterval,
		grace:    defaultNoAudioGrace,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run logs summaries until ctx is cancelled. It always returns nil; the
// watchdog never ends a session on its own.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	warned := false
	var last Stats

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := w.sess.Snapshot()

			if !warned && cur.SidecarAudioFrames == 0 && time.Since(w.sess.StartedAt) >= w.grace {
				w.log.Warn("no audio received from sidecar",
					"elapsed", time.Since(w.sess.StartedAt).Round(time.Second),
					"client_chunks", cur.ClientChunks)
				warned = true
			}

			if cur != last {
				w.log.Debug("session counters",
					"client_chunks", cur.ClientChunks,
					"client_bytes", cur.ClientBytes,
					"sidecar_audio_frames", cur.SidecarAudioFrames,
					"sidecar_text_frames", cur.SidecarTextFrames,
					"keepalive_frames", cur.KeepaliveFrames,
					"packets_demuxed", cur.PacketsDemuxed,
					"barge_in_drops", cur.BargeInDrops,
					"unknown_frames", cur.UnknownFrames,
					"malformed_frames", cur.MalformedFrames)
				last = cur
			}
		}
	}
}
