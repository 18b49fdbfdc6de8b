package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// State tracks where a client connection is in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakeWait
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakeWait:
		return "handshake_wait"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sentinel errors returned by [Connect], [Client.Send] and [Client.Receive].
// Callers distinguish them with errors.Is.
var (
	// ErrHandshakeTimeout reports that the sidecar accepted the connection
	// but never sent its readiness frame. It is terminal: the transport is
	// already closed and no further connection attempts are made.
	ErrHandshakeTimeout = errors.New("sidecar: timed out waiting for handshake")

	// ErrClosed reports a graceful closure of the sidecar connection. It is
	// an expected end-of-session signal, not a failure.
	ErrClosed = errors.New("sidecar: connection closed")
)

// Config holds the connection parameters for the sidecar service.
type Config struct {
	// URL is the sidecar's WebSocket endpoint, e.g. "ws://127.0.0.1:9100/stream".
	URL string

	// ConnectTimeout bounds each individual dial attempt.
	ConnectTimeout time.Duration

	// MaxAttempts is the number of dial attempts before giving up.
	MaxAttempts int

	// RetryDelay is the fixed pause between failed dial attempts.
	RetryDelay time.Duration

	// HandshakeTimeout bounds the wait for the sidecar's readiness frame
	// after the transport is up. Model warm-up can take far longer than a
	// dial, so this is typically much larger than ConnectTimeout.
	HandshakeTimeout time.Duration
}

// SessionParams carries the per-session settings the sidecar needs before it
// will speak. They are encoded as query parameters on the connection URL.
type SessionParams struct {
	// Prompt is the system prompt steering the speech model.
	Prompt string

	// Voice selects the sidecar's output voice.
	Voice string
}

// Client is a connected sidecar session. One goroutine may call Receive while
// another calls Send; Close may be called from any goroutine at any time.
type Client struct {
	conn  *websocket.Conn
	log   *slog.Logger
	state atomic.Int32

	closeOnce sync.Once
}

// connectURL merges the session parameters into the configured endpoint URL.
func connectURL(base string, params SessionParams) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("sidecar: parse url %q: %w", base, err)
	}
	q := u.Query()
	if params.Prompt != "" {
		q.Set("prompt", params.Prompt)
	}
	if params.Voice != "" {
		q.Set("voice", params.Voice)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the sidecar and waits for its readiness handshake.
//
// Dialing retries up to cfg.MaxAttempts times with a fixed cfg.RetryDelay
// pause between attempts. Once the transport is up the client waits a single
// cfg.HandshakeTimeout for the first frame; a timeout there is terminal and
// returns [ErrHandshakeTimeout] with the transport closed, never a retry.
// An empty handshake frame completes the handshake. Any other first frame is
// logged as unexpected but still completes it, so a sidecar that leads with
// audio does not strand the session.
func Connect(ctx context.Context, cfg Config, params SessionParams, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	target, err := connectURL(cfg.URL, params)
	if err != nil {
		return nil, err
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	c := &Client{log: log}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.state.Store(int32(StateConnecting))

		dialCtx := ctx
		var cancel context.CancelFunc
		if cfg.ConnectTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		}
		conn, _, err := websocket.Dial(dialCtx, target, nil)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			lastErr = err
			c.state.Store(int32(StateDisconnected))
			log.Warn("sidecar dial failed",
				"attempt", attempt,
				"max_attempts", attempts,
				"error", err)
			if ctx.Err() != nil {
				break
			}
			if attempt < attempts && cfg.RetryDelay > 0 {
				select {
				case <-time.After(cfg.RetryDelay):
				case <-ctx.Done():
					lastErr = ctx.Err()
				}
			}
			continue
		}

		// Audio frames routinely exceed the transport's default read limit.
		conn.SetReadLimit(1 << 22)
		c.conn = conn
		c.state.Store(int32(StateHandshakeWait))

		if err := c.awaitHandshake(ctx, cfg.HandshakeTimeout); err != nil {
			return nil, err
		}
		c.state.Store(int32(StateConnected))
		return c, nil
	}

	c.state.Store(int32(StateClosed))
	return nil, fmt.Errorf("sidecar: connect to %s failed after %d attempts: %w", cfg.URL, attempts, lastErr)
}

// awaitHandshake blocks for the sidecar's first frame. Handshake failures are
// terminal: the transport is closed before returning.
func (c *Client) awaitHandshake(ctx context.Context, timeout time.Duration) error {
	hsCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		hsCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, msg, err := c.conn.Read(hsCtx)
	if err != nil {
		c.conn.Close(websocket.StatusNormalClosure, "handshake failed")
		c.state.Store(int32(StateClosed))
		if hsCtx.Err() != nil && ctx.Err() == nil {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("sidecar: handshake read: %w", err)
	}

	frame, err := decodeFrame(msg)
	switch {
	case err != nil:
		c.log.Warn("empty first frame from sidecar, treating as ready")
	case frame.Tag != TagHandshake || len(frame.Payload) != 0:
		c.log.Warn("unexpected first frame from sidecar, treating as ready",
			"tag", frame.Tag.String(),
			"payload_len", len(frame.Payload))
	}
	return nil
}

// State reports the connection's current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Send writes one frame to the sidecar as a single binary message.
func (c *Client) Send(ctx context.Context, tag Tag, payload []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, encodeFrame(tag, payload)); err != nil {
		if websocket.CloseStatus(err) != -1 {
			return ErrClosed
		}
		return fmt.Errorf("sidecar: send %s frame: %w", tag, err)
	}
	return nil
}

// Receive blocks for the next frame from the sidecar.
//
// A graceful close by the sidecar returns [ErrClosed]; a message with no tag
// byte returns [ErrMalformedFrame] and the connection stays usable. Other
// errors indicate a broken transport.
func (c *Client) Receive(ctx context.Context) (Frame, error) {
	_, msg, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			c.state.Store(int32(StateClosed))
			return Frame{}, ErrClosed
		}
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, fmt.Errorf("sidecar: receive: %w", err)
	}
	return decodeFrame(msg)
}

// Close shuts the connection down. It is idempotent; concurrent and repeated
// calls are safe and return nil after the first.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.conn != nil {
			err = c.conn.Close(websocket.StatusNormalClosure, "session ended")
		}
	})
	return err
}
