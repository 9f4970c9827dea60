package video

import (
	"context"
	"fmt"

	"github.com/keagan/vsrep/internal/ffmpeg"
	"github.com/keagan/vsrep/pkg/util"
)

// FFmpegDecoder decodes sources through ffprobe/ffmpeg child processes
type FFmpegDecoder struct {
	exec        *ffmpeg.Executor
	scaleWidth  int
	scaleHeight int
}

// NewFFmpegDecoder wraps an executor. Frames are scaled to
// scaleWidth x scaleHeight when both are positive.
func NewFFmpegDecoder(exec *ffmpeg.Executor, scaleWidth, scaleHeight int) *FFmpegDecoder {
	return &FFmpegDecoder{
		exec:        exec,
		scaleWidth:  scaleWidth,
		scaleHeight: scaleHeight,
	}
}

func (d *FFmpegDecoder) scaled() bool {
	return d.scaleWidth > 0 && d.scaleHeight > 0
}

// Probe reads stream metadata. With scaling enabled the reported size is
// the scaled size, since that is what OpenFrames emits.
func (d *FFmpegDecoder) Probe(ctx context.Context, path string) (Metadata, error) {
	if !util.FileExists(path) {
		return Metadata{}, fmt.Errorf("%w: %s: no such file", ErrSourceUnavailable, path)
	}

	info, err := d.exec.ProbeVideo(ctx, path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}

	meta := Metadata{
		Width:      info.Width,
		Height:     info.Height,
		FrameCount: info.FrameCount,
		FPS:        info.FPS,
	}
	if d.scaled() {
		meta.Width = d.scaleWidth
		meta.Height = d.scaleHeight
	}

	if meta.Width <= 0 || meta.Height <= 0 || meta.FPS <= 0 {
		return Metadata{}, fmt.Errorf("%w: %s: unusable stream (%dx%d @ %.3f fps)",
			ErrSourceUnavailable, path, meta.Width, meta.Height, meta.FPS)
	}
	return meta, nil
}

// OpenFrames starts a grayscale decode at offset seconds
func (d *FFmpegDecoder) OpenFrames(ctx context.Context, path string, meta Metadata, offset float64) (FrameSource, error) {
	filters := ffmpeg.NewFilterBuilder()
	if d.scaled() {
		filters.Scale(d.scaleWidth, d.scaleHeight)
	}

	reader, err := d.exec.OpenFrames(ctx, path, ffmpeg.FrameOptions{
		Offset:  offset,
		Width:   meta.Width,
		Height:  meta.Height,
		Filters: filters.Build(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}

	return &grayFrames{
		reader: reader,
		buf:    make([]byte, reader.FrameSize()),
	}, nil
}

// grayFrames converts 8-bit gray frames to float32 intensities
type grayFrames struct {
	reader *ffmpeg.FrameReader
	buf    []byte
}

func (g *grayFrames) ReadFrame(dst []float32) error {
	if len(dst) != len(g.buf) {
		return fmt.Errorf("frame buffer holds %d samples, want %d", len(dst), len(g.buf))
	}
	if err := g.reader.ReadFrame(g.buf); err != nil {
		return err
	}
	for i, v := range g.buf {
		dst[i] = float32(v)
	}
	return nil
}

func (g *grayFrames) Close() error {
	return g.reader.Close()
}
