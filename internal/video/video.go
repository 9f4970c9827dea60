package video

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrSourceUnavailable is returned when a video cannot be opened or probed
	ErrSourceUnavailable = errors.New("video source unavailable")
	// ErrInvalidOffset is returned when a stream offset falls outside the video
	ErrInvalidOffset = errors.New("invalid stream offset")
)

// offsetTolerance lets an offset sit exactly on the reported end of the video
const offsetTolerance = 1e-3

// Metadata describes a decodable video source
type Metadata struct {
	Width      int
	Height     int
	FrameCount int
	FPS        float64
}

// Duration in seconds, 0 when the frame rate is unknown
func (m Metadata) Duration() float64 {
	if m.FPS == 0 {
		return 0
	}
	return float64(m.FrameCount) / m.FPS
}

// FramesPerBlock is the number of frames covering blockSeconds, never less than one
func (m Metadata) FramesPerBlock(blockSeconds float64) int {
	n := int(math.Round(blockSeconds * m.FPS))
	if n < 1 {
		return 1
	}
	return n
}

// FrameSize is the number of intensity samples in one frame
func (m Metadata) FrameSize() int {
	return m.Width * m.Height
}

// Decoder opens video sources. The ffmpeg-backed implementation is
// FFmpegDecoder; tests use an in-memory one.
type Decoder interface {
	Probe(ctx context.Context, path string) (Metadata, error)
	OpenFrames(ctx context.Context, path string, meta Metadata, offset float64) (FrameSource, error)
}

// FrameSource yields single-channel frames in decode order
type FrameSource interface {
	// ReadFrame fills dst (len Width*Height) with the next frame, or
	// returns io.EOF when no frames remain.
	ReadFrame(dst []float32) error
	Close() error
}
