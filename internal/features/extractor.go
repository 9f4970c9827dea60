// Package features reduces frame blocks to per-kernel feature vectors.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"github.com/keagan/vsrep/internal/kernels"
	"github.com/keagan/vsrep/internal/video"
	"github.com/keagan/vsrep/pkg/util"
)

// ErrNoFrames is returned when a source decodes to zero blocks
var ErrNoFrames = errors.New("video produced no frames")

// Block applies every kernel in bank to one T x H x W block and returns
// one scalar per kernel: the sum of the valid convolution response per
// second of valid output. It panics on a malformed block.
func Block(bank *kernels.Bank, data *tensor.Dense, fps float64) []float32 {
	shape := data.Shape()
	if shape.Dims() != 3 || shape[0] == 0 {
		panic(fmt.Sprintf("features: block must be a non-empty T x H x W tensor, got %v", shape))
	}
	if !(fps > 0) {
		panic(fmt.Sprintf("features: fps must be positive, got %v", fps))
	}

	frames := shape[0]
	vec := make([]float32, 0, bank.Len())
	for _, k := range bank.Kernels() {
		ks := k.Shape()
		out := Convolve(data, k.Data)
		valid := max(frames-ks[0]+1, 1)
		seconds := float64(valid) / fps
		vec = append(vec, float32(validRegionSum(out, ks)/seconds))
	}
	return vec
}

// Extractor turns whole videos into feature tensors
type Extractor struct {
	bank     *kernels.Bank
	streamer *video.Streamer
	logger   zerolog.Logger
}

// NewExtractor creates an extractor using bank for every block
func NewExtractor(logger zerolog.Logger, bank *kernels.Bank, streamer *video.Streamer) *Extractor {
	return &Extractor{
		bank:     bank,
		streamer: streamer,
		logger:   logger.With().Str("component", "extractor").Logger(),
	}
}

// Bank returns the kernels this extractor applies
func (e *Extractor) Bank() *kernels.Bank {
	return e.bank
}

// Video streams path in blocks of blockSeconds and stacks one feature
// vector per block into a (blocks x kernels) tensor.
func (e *Extractor) Video(ctx context.Context, path string, blockSeconds float64) (*tensor.Dense, error) {
	stream, err := e.streamer.Stream(ctx, path, blockSeconds, 0)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	meta := stream.Metadata()
	duration := meta.Duration()
	e.logger.Info().
		Str("source", path).
		Str("resolution", fmt.Sprintf("%dx%d", meta.Width, meta.Height)).
		Float64("fps", meta.FPS).
		Str("duration", util.FormatClock(duration)).
		Msg("extracting features")

	start := time.Now()
	width := e.bank.Len()
	rows := make([]float32, 0, int(math.Ceil(duration/blockSeconds)+1)*width)
	blocks := 0
	processed := 0.0

	for block, err := range stream.All() {
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", path, err)
		}

		vec := Block(e.bank, block.Data, meta.FPS)
		rows = append(rows, vec...)
		blocks++

		processed = min(processed+blockSeconds, duration)
		elapsed := time.Since(start).Seconds()
		event := e.logger.Debug().
			Int("block", block.Index).
			Str("span", util.FormatClock(block.Start)+"-"+util.FormatClock(block.Start+float64(block.Frames())/meta.FPS)).
			Str("elapsed", util.FormatClock(elapsed)).
			Floats32("features", vec)
		if processed > 0 && duration > 0 {
			event = event.
				Float64("progress", processed/duration*100).
				Str("eta", util.FormatClock(elapsed/processed*duration-elapsed))
		}
		event.Msg("block processed")
	}

	if blocks == 0 {
		return nil, fmt.Errorf("extract %s: %w", path, ErrNoFrames)
	}

	e.logger.Info().
		Str("source", path).
		Int("blocks", blocks).
		Str("took", util.FormatClock(time.Since(start).Seconds())).
		Msg("extraction complete")

	return tensor.New(tensor.WithShape(blocks, width), tensor.WithBacking(rows)), nil
}
