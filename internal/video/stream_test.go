package video_test

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keagan/vsrep/internal/ffmpeg"
	"github.com/keagan/vsrep/internal/video"
	"github.com/keagan/vsrep/internal/video/videotest"
)

func newStreamer(t *testing.T, paths map[string]*videotest.Video) (*video.Streamer, *videotest.Decoder) {
	t.Helper()
	dec := videotest.NewDecoder()
	for p, v := range paths {
		dec.Add(p, v)
	}
	return video.NewStreamer(zerolog.Nop(), dec), dec
}

func TestMetadata(t *testing.T) {
	m := video.Metadata{Width: 4, Height: 3, FrameCount: 25, FPS: 10}
	assert.InDelta(t, 2.5, m.Duration(), 1e-9)
	assert.Equal(t, 12, m.FrameSize())
	assert.Equal(t, 5, m.FramesPerBlock(0.5))
	assert.Equal(t, 1, m.FramesPerBlock(0.01))
	assert.Equal(t, 3, m.FramesPerBlock(0.25), "2.5 frames rounds half away from zero")

	assert.Zero(t, video.Metadata{FrameCount: 10}.Duration())
}

func TestStreamBlocks(t *testing.T) {
	s, dec := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Pattern(3, 2, 25, 10, func(f, _, _ int) float32 { return float32(f) }),
	})

	meta, err := s.Open(context.Background(), "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, 25, meta.FrameCount)

	stream, err := s.Stream(context.Background(), "a.mp4", 1.0, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, stream.FramesPerBlock())

	var frames []int
	var starts []float64
	for block, err := range stream.All() {
		require.NoError(t, err)
		frames = append(frames, block.Frames())
		starts = append(starts, block.Start)
		assert.Equal(t, []int{block.Frames(), 2, 3}, []int(block.Data.Shape()))
	}

	assert.Equal(t, []int{10, 10, 5}, frames, "partial final block is emitted")
	assert.Equal(t, []float64{0, 1, 2}, starts)
	assert.Zero(t, dec.Open(), "decoder released after exhaustion")
}

func TestStreamBlockContents(t *testing.T) {
	s, _ := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Pattern(2, 2, 4, 4, func(f, y, x int) float32 { return float32(100*f + 10*y + x) }),
	})

	stream, err := s.Stream(context.Background(), "a.mp4", 0.5, 0)
	require.NoError(t, err)
	defer stream.Close()

	block, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, block.Index)

	v, err := block.Data.At(1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(110), v)

	block, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, block.Index)
	v, err = block.Data.At(0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, float32(201), v)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF, "EOF is sticky")
}

func TestStreamOffset(t *testing.T) {
	s, _ := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Pattern(1, 1, 30, 10, func(f, _, _ int) float32 { return float32(f) }),
	})

	stream, err := s.Stream(context.Background(), "a.mp4", 1.0, 1.5)
	require.NoError(t, err)

	block, err := stream.Next()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, block.Start, 1e-9)
	first, err := block.Data.At(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(15), first)
	require.NoError(t, stream.Close())
}

func TestStreamInvalidOffset(t *testing.T) {
	s, dec := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Blank(2, 2, 20, 10),
	})

	tests := []struct {
		name   string
		offset float64
		valid  bool
	}{
		{"zero", 0, true},
		{"inside", 1.2, true},
		{"at end within tolerance", 2.0, true},
		{"negative", -0.1, false},
		{"past end", 2.01, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream, err := s.Stream(context.Background(), "a.mp4", 0.5, tt.offset)
			if tt.valid {
				require.NoError(t, err)
				require.NoError(t, stream.Close())
				return
			}
			assert.ErrorIs(t, err, video.ErrInvalidOffset)
		})
	}
	assert.Zero(t, dec.Open())
}

func TestStreamOffsetAtEndYieldsNothing(t *testing.T) {
	s, dec := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Blank(2, 2, 20, 10),
	})

	stream, err := s.Stream(context.Background(), "a.mp4", 0.5, 2.0)
	require.NoError(t, err)

	count := 0
	for range stream.All() {
		count++
	}
	assert.Zero(t, count)
	assert.Zero(t, dec.Open())
}

func TestStreamUnavailable(t *testing.T) {
	s, _ := newStreamer(t, nil)

	_, err := s.Open(context.Background(), "missing.mp4")
	assert.ErrorIs(t, err, video.ErrSourceUnavailable)

	_, err = s.Stream(context.Background(), "missing.mp4", 1, 0)
	assert.ErrorIs(t, err, video.ErrSourceUnavailable)
}

func TestStreamRejectsBadBlock(t *testing.T) {
	s, _ := newStreamer(t, map[string]*videotest.Video{"a.mp4": videotest.Blank(1, 1, 1, 1)})

	_, err := s.Stream(context.Background(), "a.mp4", 0, 0)
	assert.Error(t, err)
	_, err = s.Stream(context.Background(), "a.mp4", -1, 0)
	assert.Error(t, err)
}

func TestStreamReleasesOnBreak(t *testing.T) {
	s, dec := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Blank(4, 4, 100, 10),
	})

	stream, err := s.Stream(context.Background(), "a.mp4", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, dec.Open())

	for block, err := range stream.All() {
		require.NoError(t, err)
		if block.Index == 2 {
			break
		}
	}
	assert.Zero(t, dec.Open(), "breaking out of the loop releases the decoder")
}

func TestStreamCancellation(t *testing.T) {
	s, dec := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Blank(4, 4, 100, 10),
	})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.Stream(ctx, "a.mp4", 1, 0)
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)

	cancel()
	_, err = stream.Next()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dec.Open())

	_, err = stream.Next()
	assert.ErrorIs(t, err, context.Canceled, "errors are sticky")
	assert.NoError(t, stream.Close())
}

func TestStreamCloseIdempotent(t *testing.T) {
	s, dec := newStreamer(t, map[string]*videotest.Video{
		"a.mp4": videotest.Blank(2, 2, 10, 10),
	})

	stream, err := s.Stream(context.Background(), "a.mp4", 0.5, 0)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.Zero(t, dec.Open())

	_, err = stream.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestMovingSquare(t *testing.T) {
	v := videotest.MovingSquare(2, 10, 16)
	require.Len(t, v.Frames, 20)

	sum := func(frame []float32) float32 {
		var total float32
		for _, p := range frame {
			total += p
		}
		return total
	}
	for i, frame := range v.Frames {
		assert.Equal(t, float32(4*videotest.SquareIntensity), sum(frame), "frame %d", i)
	}
	// moving in second 0, still in second 1
	assert.NotEqual(t, v.Frames[0], v.Frames[1])
	assert.Equal(t, v.Frames[10], v.Frames[19])
}

func TestFFmpegDecoder(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH - install with: brew install ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH - install with: brew install ffmpeg")
	}

	path := filepath.Join(t.TempDir(), "src.mp4")
	gen := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=3:size=64x48:rate=10",
		"-pix_fmt", "yuv420p", "-y", path)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("could not generate test video: %v: %s", err, out)
	}

	executor, err := ffmpeg.New(zerolog.Nop(), ffmpeg.Options{})
	require.NoError(t, err)
	s := video.NewStreamer(zerolog.Nop(), video.NewFFmpegDecoder(executor, 16, 12))

	meta, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 16, meta.Width)
	assert.Equal(t, 12, meta.Height)
	assert.InDelta(t, 10, meta.FPS, 1e-6)

	stream, err := s.Stream(context.Background(), path, 1, 0)
	require.NoError(t, err)
	blocks := 0
	for block, err := range stream.All() {
		require.NoError(t, err)
		assert.Equal(t, []int{block.Frames(), 12, 16}, []int(block.Data.Shape()))
		blocks++
	}
	assert.Equal(t, 3, blocks)

	_, err = s.Open(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.ErrorIs(t, err, video.ErrSourceUnavailable)

	junk := filepath.Join(t.TempDir(), "junk.mp4")
	require.NoError(t, os.WriteFile(junk, []byte("not a video"), 0644))
	_, err = s.Open(context.Background(), junk)
	assert.ErrorIs(t, err, video.ErrSourceUnavailable)
}
