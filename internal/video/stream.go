package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"

	"github.com/rs/zerolog"
	"gorgonia.org/tensor"
)

// Streamer cuts a video into fixed-duration grayscale frame blocks
type Streamer struct {
	decoder Decoder
	logger  zerolog.Logger
}

// NewStreamer creates a streamer over decoder
func NewStreamer(logger zerolog.Logger, decoder Decoder) *Streamer {
	return &Streamer{
		decoder: decoder,
		logger:  logger.With().Str("component", "streamer").Logger(),
	}
}

// Open probes the source without decoding any frames
func (s *Streamer) Open(ctx context.Context, path string) (Metadata, error) {
	return s.decoder.Probe(ctx, path)
}

// Stream starts decoding path at offset seconds. The returned stream owns
// the decoder and must be closed, or drained through All.
func (s *Streamer) Stream(ctx context.Context, path string, blockSeconds, offset float64) (*BlockStream, error) {
	if blockSeconds <= 0 || math.IsNaN(blockSeconds) {
		return nil, fmt.Errorf("block duration must be positive, got %v", blockSeconds)
	}

	meta, err := s.decoder.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	if math.IsNaN(offset) || offset < 0 || offset >= meta.Duration()+offsetTolerance {
		return nil, fmt.Errorf("%w: %.3fs outside [0, %.3fs]", ErrInvalidOffset, offset, meta.Duration())
	}

	source, err := s.decoder.OpenFrames(ctx, path, meta, offset)
	if err != nil {
		return nil, err
	}

	perBlock := meta.FramesPerBlock(blockSeconds)
	s.logger.Debug().
		Str("source", path).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Float64("fps", meta.FPS).
		Float64("offset", offset).
		Int("frames_per_block", perBlock).
		Msg("opened block stream")

	return &BlockStream{
		ctx:          ctx,
		logger:       s.logger,
		source:       source,
		meta:         meta,
		blockSeconds: blockSeconds,
		offset:       offset,
		perBlock:     perBlock,
	}, nil
}

// Block is one temporal slice of a video: a T x H x W float32 tensor
type Block struct {
	Index int
	// Start is the block's position in the source, in seconds
	Start float64
	Data  *tensor.Dense
}

// Frames is the temporal extent of the block
func (b Block) Frames() int {
	return b.Data.Shape()[0]
}

// BlockStream is a lazy, finite sequence of blocks backed by a live decoder
type BlockStream struct {
	ctx          context.Context
	logger       zerolog.Logger
	source       FrameSource
	meta         Metadata
	blockSeconds float64
	offset       float64
	perBlock     int

	index int
	err   error
}

// Metadata of the underlying source
func (s *BlockStream) Metadata() Metadata {
	return s.meta
}

// FramesPerBlock is the size of every block except possibly the last
func (s *BlockStream) FramesPerBlock() int {
	return s.perBlock
}

// Next returns the following block, or io.EOF once the source is
// exhausted. A short final block is returned as is. Any error is sticky
// and releases the decoder.
func (s *BlockStream) Next() (Block, error) {
	if s.err != nil {
		return Block{}, s.err
	}

	frameSize := s.meta.FrameSize()
	backing := make([]float32, s.perBlock*frameSize)

	n := 0
	for n < s.perBlock {
		if err := s.ctx.Err(); err != nil {
			return Block{}, s.fail(err)
		}
		err := s.source.ReadFrame(backing[n*frameSize : (n+1)*frameSize])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Block{}, s.fail(fmt.Errorf("read frame %d of block %d: %w", n, s.index, err))
		}
		n++
	}

	if n == 0 {
		return Block{}, s.fail(io.EOF)
	}

	block := Block{
		Index: s.index,
		Start: s.offset + float64(s.index)*s.blockSeconds,
		Data: tensor.New(
			tensor.WithShape(n, s.meta.Height, s.meta.Width),
			tensor.WithBacking(backing[:n*frameSize]),
		),
	}
	s.index++

	if n < s.perBlock {
		s.logger.Debug().
			Int("block", block.Index).
			Int("frames", n).
			Msg("partial final block")
		s.fail(io.EOF)
	}
	return block, nil
}

// fail records err and releases the decoder
func (s *BlockStream) fail(err error) error {
	s.err = err
	if closeErr := s.release(); closeErr != nil {
		s.logger.Warn().Err(closeErr).Msg("failed to release decoder")
	}
	return err
}

func (s *BlockStream) release() error {
	if s.source == nil {
		return nil
	}
	src := s.source
	s.source = nil
	return src.Close()
}

// Close releases the decoder. Safe to call more than once.
func (s *BlockStream) Close() error {
	if s.err == nil {
		s.err = io.EOF
	}
	return s.release()
}

// All ranges over the remaining blocks. The decoder is released when the
// loop ends, including on break; an error is yielded once and ends the loop.
func (s *BlockStream) All() iter.Seq2[Block, error] {
	return func(yield func(Block, error) bool) {
		defer s.Close()
		for {
			block, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(block, err) || err != nil {
				return
			}
		}
	}
}
