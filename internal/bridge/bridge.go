// Package bridge relays a client call between its WebSocket and the
// speech-model sidecar.
//
// One session runs four concurrent tasks under a shared errgroup: the client
// relay (client audio into the transcoder, client text to the conversation
// engine), the transcoder pump (Ogg output to sidecar audio frames), the
// sidecar relay (frames back to the client through the Ogg demultiplexer),
// and a watchdog.
// The first task to finish, cleanly or not, cancels the group context and the
// whole session tears down: sidecar closed, transcoder killed and reaped,
// client notified.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-voice/nexus/internal/convo"
	"github.com/nexus-voice/nexus/internal/history"
	"github.com/nexus-voice/nexus/internal/observe"
	"github.com/nexus-voice/nexus/internal/sidecar"
	"github.com/nexus-voice/nexus/pkg/audio"
	"github.com/nexus-voice/nexus/pkg/ogg"
	"github.com/nexus-voice/nexus/pkg/transcode"
)

// errSessionEnded signals a clean end of session from inside a relay task.
// It is non-nil so the errgroup cancels the sibling tasks, and mapped back to
// nil before Run returns.
var errSessionEnded = errors.New("bridge: session ended")

// ErrTranscoderStart reports that the external transcoder could not be
// spawned. The caller surfaces it to the client under its own error code.
var ErrTranscoderStart = errors.New("bridge: transcoder failed to start")

// Config holds the per-deployment settings shared by all sessions.
type Config struct {
	// Sidecar is the connection configuration for the speech-model service.
	Sidecar sidecar.Config

	// TranscoderPath is the external transcoder executable.
	TranscoderPath string

	// TranscoderArgs is the argument list passed to the transcoder. A nil
	// slice selects the built-in ffmpeg inbound conversion arguments; an
	// explicit empty slice runs the executable with no arguments.
	TranscoderArgs []string

	// SampleRate and Channels describe the Opus stream sent to the sidecar.
	SampleRate int
	Channels   int

	// ChunkSize is the read size for the transcoder's output stream.
	ChunkSize int

	// HeaderPackets is how many leading Ogg packets the demultiplexer
	// discards per sidecar stream.
	HeaderPackets int

	// SpeakingDebounce is the trailing window after the last client audio
	// chunk during which sidecar audio is dropped as barge-in.
	SpeakingDebounce time.Duration

	// PCMOutput decodes sidecar Opus packets in process and sends clients
	// 24 kHz float32 PCM instead of raw Opus packets.
	PCMOutput bool
}

// transcoderArgs returns the configured argument list, defaulting to the
// inbound ffmpeg conversion.
func (c Config) transcoderArgs() []string {
	if c.TranscoderArgs != nil {
		return c.TranscoderArgs
	}
	return transcode.InboundArgs(c.SampleRate, c.Channels)
}

// Bridge creates and runs call sessions. One Bridge serves all sessions.
type Bridge struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	engine  convo.Engine
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithConversationEngine enables the text-only fallback path: client text
// messages are answered by e instead of being dropped.
func WithConversationEngine(e convo.Engine) Option {
	return func(b *Bridge) { b.engine = e }
}

// New creates a Bridge. A nil metrics uses the process-wide default.
func New(cfg Config, log *slog.Logger, metrics *observe.Metrics, opts ...Option) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	b := &Bridge{cfg: cfg, log: log, metrics: metrics}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Connect dials the sidecar for a new session and records handshake latency.
// It is separated from [Bridge.Run] so the caller can report connection
// failures to the client before any relay starts.
func (b *Bridge) Connect(ctx context.Context, params sidecar.SessionParams) (*sidecar.Client, error) {
	start := time.Now()
	sc, err := sidecar.Connect(ctx, b.cfg.Sidecar, params, b.log)
	if err != nil {
		b.metrics.RecordSessionError(ctx, "audio_service_unavailable")
		return nil, err
	}
	b.metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())
	return sc, nil
}

// Run relays the session until either side ends it. It owns the sidecar
// connection and the transcoder it spawns; both are torn down on every exit
// path. The client connection stays open for the caller to close.
func (b *Bridge) Run(ctx context.Context, conn *websocket.Conn, sc *sidecar.Client, sess *Session, rec *history.Recorder) error {
	log := b.log.With("session_id", sess.ID, "tenant", sess.Tenant)
	defer sc.Close()

	pipe, err := transcode.Start(ctx, transcode.Spec{
		Path: b.cfg.TranscoderPath,
		Args: b.cfg.transcoderArgs(),
	})
	if err != nil {
		b.metrics.RecordSessionError(ctx, CodeTranscoderError)
		return fmt.Errorf("%w: %v", ErrTranscoderStart, err)
	}
	defer pipe.Stop()

	if err := SendEvent(ctx, conn, Event{Type: EventReady, SessionID: sess.ID}); err != nil {
		return fmt.Errorf("bridge: send ready event: %w", err)
	}

	b.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		b.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		b.metrics.SessionDuration.Record(context.WithoutCancel(ctx), time.Since(sess.StartedAt).Seconds())
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.clientRelay(gctx, conn, pipe, sess, rec, log) })
	g.Go(func() error { return b.transcoderPump(gctx, sc, pipe, sess) })
	g.Go(func() error { return b.sidecarRelay(gctx, conn, sc, sess, rec, log) })
	g.Go(func() error { return NewWatchdog(sess, log).Run(gctx) })

	// The transcoder pump blocks in a pipe read that no context can reach;
	// killing the process on cancellation is what unblocks it.
	g.Go(func() error {
		<-gctx.Done()
		pipe.Stop()
		sc.Close()
		return nil
	})

	err = g.Wait()
	switch {
	case err == nil || errors.Is(err, errSessionEnded),
		errors.Is(err, context.Canceled):
		log.Info("session ended", "stats", sess.Snapshot())
		return nil
	default:
		rec.Error(err.Error())
		log.Error("session failed", "error", err, "stats", sess.Snapshot())
		return err
	}
}

// clientRelay moves client input toward the sidecar: binary messages are
// audio for the transcoder, text messages are user turns for the
// conversation engine.
func (b *Bridge) clientRelay(ctx context.Context, conn *websocket.Conn, pipe *transcode.Pipeline, sess *Session, rec *history.Recorder, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return errSessionEnded
			}
			return fmt.Errorf("bridge: client read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			sess.ClientChunks.Add(1)
			sess.ClientBytes.Add(uint64(len(data)))
			rec.UserAudio(len(data))
			b.metrics.RecordAudioBytes(ctx, observe.DirClientToSidecar, len(data))
			if _, err := pipe.Writer().Write(data); err != nil {
				return fmt.Errorf("bridge: write to transcoder: %w", err)
			}

		case websocket.MessageText:
			var msg struct {
				Type    string `json:"type"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "message" {
				sess.MalformedFrames.Add(1)
				log.Debug("unrecognized client text message", "size", len(data))
				continue
			}
			sess.ClientTexts.Add(1)
			rec.UserText(msg.Content)
			b.metrics.RecordFrame(ctx, observe.DirClientToSidecar, "text")
			if b.engine == nil {
				log.Debug("no conversation engine, client message dropped")
				continue
			}
			if err := b.streamReply(ctx, conn, sess, rec, msg.Content); err != nil {
				return errSessionEnded
			}
		}
	}
}

// streamReply answers one client text message through the conversation
// engine, relaying fragments as response_part events. A non-nil error means
// the client connection is gone.
func (b *Bridge) streamReply(ctx context.Context, conn *websocket.Conn, sess *Session, rec *history.Recorder, userText string) error {
	chunks, err := b.engine.Respond(ctx, sess.ID, userText)
	if err != nil {
		return SendEvent(ctx, conn, Event{Type: EventError, Code: CodeInternal, Message: "conversation failed"})
	}

	var full string
	for c := range chunks {
		switch c.Type {
		case convo.ChunkText:
			full += c.Content
			if err := SendEvent(ctx, conn, Event{Type: EventResponsePart, Content: c.Content}); err != nil {
				return err
			}
		case convo.ChunkError:
			return SendEvent(ctx, conn, Event{Type: EventError, Code: CodeInternal, Message: c.Content})
		}
	}
	if full != "" {
		rec.AssistantText(full)
	}
	return nil
}

// transcoderPump reads converted audio from the transcoder and sends it to
// the sidecar as audio frames, chunk by chunk. Each chunk refreshes the
// session's speaking window, since transcoder output is the proof that the
// client is producing audio.
func (b *Bridge) transcoderPump(ctx context.Context, sc *sidecar.Client, pipe *transcode.Pipeline, sess *Session) error {
	buf := make([]byte, b.cfg.ChunkSize)
	for {
		n, err := pipe.Reader().Read(buf)
		if n > 0 {
			sess.MarkSpeaking(b.cfg.SpeakingDebounce)
			b.metrics.RecordFrame(ctx, observe.DirClientToSidecar, "audio")
			if serr := sc.Send(ctx, sidecar.TagAudio, buf[:n]); serr != nil {
				if errors.Is(serr, sidecar.ErrClosed) {
					return errSessionEnded
				}
				return serr
			}
		}
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return errSessionEnded
			}
			return fmt.Errorf("bridge: read transcoder output: %w", err)
		}
	}
}

// sidecarRelay dispatches frames from the sidecar: audio through the Ogg
// demultiplexer to the client (dropped during barge-in), text as JSON events,
// anything else counted and absorbed.
func (b *Bridge) sidecarRelay(ctx context.Context, conn *websocket.Conn, sc *sidecar.Client, sess *Session, rec *history.Recorder, log *slog.Logger) error {
	demux := ogg.NewDemuxer(ogg.WithHeaderPackets(b.cfg.HeaderPackets))

	var dec *audio.OpusDecoder
	if b.cfg.PCMOutput {
		var err error
		if dec, err = audio.NewOpusDecoder(); err != nil {
			return err
		}
	}

	for {
		frame, err := sc.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, sidecar.ErrMalformedFrame):
				sess.MalformedFrames.Add(1)
				continue
			case errors.Is(err, sidecar.ErrClosed), ctx.Err() != nil:
				return errSessionEnded
			default:
				return err
			}
		}

		switch frame.Tag {
		case sidecar.TagAudio:
			if sess.Speaking() {
				sess.BargeInDrops.Add(1)
				rec.BargeIn()
				b.metrics.BargeInDrops.Add(ctx, 1)
				continue
			}
			sess.SidecarAudioFrames.Add(1)
			b.metrics.RecordFrame(ctx, observe.DirSidecarToClient, "audio")

			// The demultiplexer always sees the stream so packet counts and
			// header skipping stay consistent across output modes.
			pkts := demux.Feed(frame.Payload)
			sess.PacketsDemuxed.Add(uint64(len(pkts)))

			if dec == nil {
				out := append([]byte{byte(sidecar.TagAudio)}, frame.Payload...)
				if err := conn.Write(ctx, websocket.MessageBinary, out); err != nil {
					return errSessionEnded
				}
				rec.AssistantAudio(len(frame.Payload))
				b.metrics.RecordAudioBytes(ctx, observe.DirSidecarToClient, len(frame.Payload))
				continue
			}

			for _, pkt := range pkts {
				pcm, derr := dec.Decode(pkt)
				if derr != nil {
					log.Debug("opus decode failed, packet skipped", "error", derr)
					continue
				}
				out := append([]byte{byte(sidecar.TagAudio)}, pcm...)
				if err := conn.Write(ctx, websocket.MessageBinary, out); err != nil {
					return errSessionEnded
				}
				rec.AssistantAudio(len(pcm))
				b.metrics.RecordAudioBytes(ctx, observe.DirSidecarToClient, len(pcm))
			}

		case sidecar.TagText:
			text := string(frame.Payload)
			sess.SidecarTextFrames.Add(1)
			rec.AssistantText(text)
			b.metrics.RecordFrame(ctx, observe.DirSidecarToClient, "text")
			if err := SendEvent(ctx, conn, Event{Type: EventTranscript, Content: text}); err != nil {
				return errSessionEnded
			}

		case sidecar.TagHandshake:
			// Keepalive after the initial handshake; counted, nothing to relay.
			sess.KeepaliveFrames.Add(1)
			b.metrics.RecordFrame(ctx, observe.DirSidecarToClient, "handshake")

		default:
			sess.UnknownFrames.Add(1)
			log.Debug("unknown frame tag from sidecar", "tag", frame.Tag.String())
		}
	}
}
