package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// maxStderr bounds how much decoder stderr is kept for error messages
const maxStderr = 8 << 10

// FrameOptions configures raw grayscale decoding
type FrameOptions struct {
	// Offset is the start position in seconds
	Offset float64
	// Width and Height of the emitted frames; they must match the probed
	// size unless a scale filter is present
	Width  int
	Height int
	// Filters is an optional -vf chain built with FilterBuilder
	Filters string
}

// FrameReader streams 8-bit grayscale frames out of an ffmpeg child
// process. It owns the process; Close kills and reaps it.
type FrameReader struct {
	logger    zerolog.Logger
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	reader    *bufio.Reader
	stderr    *boundedBuffer
	frameSize int
	frames    int

	closeOnce sync.Once
	closeErr  error
	done      bool
}

// OpenFrames starts decoding input as raw gray frames from opts.Offset
func (e *Executor) OpenFrames(ctx context.Context, input string, opts FrameOptions) (*FrameReader, error) {
	if input == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", opts.Width, opts.Height)
	}

	args := e.baseArgs("error")
	if opts.Offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", opts.Offset))
	}
	args = append(args, "-i", input, "-an", "-sn")
	if opts.Filters != "" {
		args = append(args, "-vf", opts.Filters)
	}
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"pipe:1",
	)

	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Msg("opening frame stream")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	stderr := &boundedBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	frameSize := opts.Width * opts.Height
	return &FrameReader{
		logger:    e.logger,
		cmd:       cmd,
		stdout:    stdout,
		reader:    bufio.NewReaderSize(stdout, frameSize),
		stderr:    stderr,
		frameSize: frameSize,
	}, nil
}

// FrameSize is the number of bytes in one frame
func (r *FrameReader) FrameSize() int {
	return r.frameSize
}

// ReadFrame fills buf with the next frame. It returns io.EOF once the
// decoder has emitted every frame.
func (r *FrameReader) ReadFrame(buf []byte) error {
	if r.done {
		return io.EOF
	}
	if len(buf) != r.frameSize {
		return fmt.Errorf("frame buffer has %d bytes, want %d", len(buf), r.frameSize)
	}

	_, err := io.ReadFull(r.reader, buf)
	switch {
	case err == nil:
		r.frames++
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.done = true
		if waitErr := r.wait(); waitErr != nil {
			return waitErr
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.logger.Warn().Int("frames", r.frames).Msg("decoder ended mid-frame, dropping truncated frame")
		}
		return io.EOF
	default:
		return fmt.Errorf("failed to read frame: %w", err)
	}
}

// wait reaps the process after stdout is drained
func (r *FrameReader) wait() error {
	r.closeOnce.Do(func() {
		if err := r.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(r.stderr.String())
			r.closeErr = fmt.Errorf("ffmpeg decode failed after %d frames: %w: %s", r.frames, err, msg)
		}
	})
	return r.closeErr
}

// Close stops the decoder if it is still running. Safe to call repeatedly.
func (r *FrameReader) Close() error {
	if r.done {
		return nil
	}
	r.done = true

	r.closeOnce.Do(func() {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.stdout.Close()
		// killed on purpose, the exit status carries no information
		_ = r.cmd.Wait()
	})

	r.logger.Debug().Int("frames", r.frames).Msg("frame stream closed")
	return nil
}

// boundedBuffer keeps the first limit bytes written to it
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
