// Package transcode manages external audio-transcoding processes.
//
// A [Pipeline] wraps one spawned transcoder (typically ffmpeg) as a pure byte
// conduit: bytes written to [Pipeline.Writer] enter the process on stdin,
// converted bytes stream out of [Pipeline.Reader] from its stdout. The
// package never interprets the audio content.
//
// Lifecycle follows an owned-resource pattern: Start returns a handle
// bundling writer, reader, and kill capability, and [Pipeline.Stop]
// guarantees the process is killed and reaped on every exit path.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// Spec describes one transcoding direction: the executable to spawn and its
// argument list. The process must read input on stdin and write output to
// stdout.
type Spec struct {
	// Path is the transcoder executable (e.g., "ffmpeg" or an absolute path).
	Path string

	// Args is the full argument list, excluding the executable name.
	Args []string
}

// InboundArgs returns the ffmpeg argument list for the client→sidecar
// direction: WebM/Opus chunks on stdin, a continuous Ogg/Opus stream on
// stdout at the given rate and channel count.
func InboundArgs(sampleRate, channels int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "webm",
		"-i", "pipe:0",
		"-c:a", "libopus",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-f", "ogg",
		"pipe:1",
	}
}

// Pipeline is a running transcoder process. All methods are safe for
// concurrent use; Writer and Reader may be driven from different goroutines.
type Pipeline struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	stopOnce sync.Once
	stopErr  error
}

// Start spawns the transcoder described by spec. The returned Pipeline owns
// the process; the caller must call [Pipeline.Stop] exactly once it is done
// (additional calls are no-ops). Cancelling ctx also kills the process.
func Start(ctx context.Context, spec Spec) (*Pipeline, error) {
	if spec.Path == "" {
		return nil, errors.New("transcode: spec.Path must not be empty")
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcode: start %q: %w", spec.Path, err)
	}

	return &Pipeline{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// Writer returns the process's stdin. Closing it signals end of input, which
// well-behaved transcoders answer by flushing and exiting.
func (p *Pipeline) Writer() io.WriteCloser { return p.stdin }

// Reader returns the process's stdout. It yields io.EOF when the process
// exits or closes its output; callers treat that as end-of-stream, not as a
// failure.
func (p *Pipeline) Reader() io.Reader { return p.stdout }

// Stop terminates the pipeline: it closes stdin, kills the process if still
// running, and reaps it. Stop is idempotent and safe to call from multiple
// goroutines; every call after the first returns the first call's result.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		err := p.cmd.Wait()

		// A kill or nonzero exit is the expected shape of a forced stop.
		// Real diagnostics live on stderr, so surface those instead.
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.stopErr = fmt.Errorf("transcode: wait: %w", err)
		}
		if msg := p.stderr.String(); msg != "" {
			slog.Debug("transcoder stderr", "output", msg)
		}
	})
	return p.stopErr
}

// tailBuffer retains the last max bytes written to it. It bounds transcoder
// stderr capture for long-lived sessions.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
