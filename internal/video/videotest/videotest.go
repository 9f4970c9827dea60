// Package videotest provides an in-memory video.Decoder for tests.
package videotest

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/keagan/vsrep/internal/video"
)

// Video is a fully materialized grayscale clip
type Video struct {
	Meta   video.Metadata
	Frames [][]float32
}

// Decoder serves registered in-memory videos and counts open sources
type Decoder struct {
	mu     sync.Mutex
	videos map[string]*Video
	opened int
	closed int
	probes int
}

// NewDecoder returns an empty decoder
func NewDecoder() *Decoder {
	return &Decoder{videos: make(map[string]*Video)}
}

// Add registers v under path
func (d *Decoder) Add(path string, v *Video) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.videos[path] = v
}

// Probe implements video.Decoder
func (d *Decoder) Probe(_ context.Context, path string) (video.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes++
	v, ok := d.videos[path]
	if !ok {
		return video.Metadata{}, fmt.Errorf("%w: %s", video.ErrSourceUnavailable, path)
	}
	return v.Meta, nil
}

// OpenFrames implements video.Decoder
func (d *Decoder) OpenFrames(_ context.Context, path string, meta video.Metadata, offset float64) (video.FrameSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.videos[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", video.ErrSourceUnavailable, path)
	}

	start := int(math.Round(offset * meta.FPS))
	if start > len(v.Frames) {
		start = len(v.Frames)
	}
	d.opened++
	return &frameSource{decoder: d, frames: v.Frames[start:]}, nil
}

// Open is the number of sources opened and not yet closed
func (d *Decoder) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened - d.closed
}

// Opened is the total number of OpenFrames calls that succeeded
func (d *Decoder) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Probes is the total number of Probe calls
func (d *Decoder) Probes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probes
}

type frameSource struct {
	decoder *Decoder
	frames  [][]float32
	pos     int
	closed  bool
}

func (f *frameSource) ReadFrame(dst []float32) error {
	if f.closed || f.pos >= len(f.frames) {
		return io.EOF
	}
	frame := f.frames[f.pos]
	if len(dst) != len(frame) {
		return fmt.Errorf("frame buffer holds %d samples, want %d", len(dst), len(frame))
	}
	copy(dst, frame)
	f.pos++
	return nil
}

func (f *frameSource) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.decoder.mu.Lock()
	f.decoder.closed++
	f.decoder.mu.Unlock()
	return nil
}

// Blank returns an all-black video
func Blank(width, height, frames int, fps float64) *Video {
	v := &Video{
		Meta: video.Metadata{Width: width, Height: height, FrameCount: frames, FPS: fps},
	}
	for range frames {
		v.Frames = append(v.Frames, make([]float32, width*height))
	}
	return v
}

// SquareIntensity is the brightness of the square drawn by MovingSquare
const SquareIntensity = 255

// MovingSquare returns a black size x size video with a bright 2x2
// square on rows 7-8 (or the middle for other sizes). During even seconds
// the square slides right from the left edge one pixel per frame; during
// odd seconds it sits still away from the borders.
func MovingSquare(seconds, fps, size int) *Video {
	v := Blank(size, size, seconds*fps, float64(fps))
	row := size/2 - 1
	for i, frame := range v.Frames {
		second, f := i/fps, i%fps
		col := size/2 + 1
		if second%2 == 0 {
			col = min(f, size-2)
		}
		for y := row; y < row+2; y++ {
			for x := col; x < col+2; x++ {
				frame[y*size+x] = SquareIntensity
			}
		}
	}
	return v
}

// Pattern returns a video whose frame i is filled with values(i)
func Pattern(width, height, frames int, fps float64, values func(frame, y, x int) float32) *Video {
	v := Blank(width, height, frames, fps)
	for i, frame := range v.Frames {
		for y := range height {
			for x := range width {
				frame[y*width+x] = values(i, y, x)
			}
		}
	}
	return v
}
