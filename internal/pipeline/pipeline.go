package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"github.com/keagan/vsrep/internal/cache"
	"github.com/keagan/vsrep/internal/clips"
	"github.com/keagan/vsrep/internal/config"
	"github.com/keagan/vsrep/internal/features"
	"github.com/keagan/vsrep/internal/ffmpeg"
	"github.com/keagan/vsrep/internal/kernels"
	"github.com/keagan/vsrep/internal/search"
	"github.com/keagan/vsrep/internal/video"
	"github.com/keagan/vsrep/pkg/util"
)

// ErrNoExporter is returned by Export when no exporter was configured
var ErrNoExporter = errors.New("no feature exporter configured")

// Pipeline orchestrates extraction, caching and segment search
type Pipeline struct {
	logger    zerolog.Logger
	config    *Config
	ffmpeg    *ffmpeg.Executor
	extractor *features.Extractor
	store     *cache.Store
	exporter  Exporter
	clips     *clips.Manager
}

// Option customizes a pipeline
type Option func(*options)

type options struct {
	decoder  video.Decoder
	bank     *kernels.Bank
	exporter Exporter
}

// WithDecoder replaces the ffmpeg decoder
func WithDecoder(d video.Decoder) Option {
	return func(o *options) { o.decoder = d }
}

// WithBank replaces the default kernel bank
func WithBank(b *kernels.Bank) Option {
	return func(o *options) { o.bank = b }
}

// WithExporter sends exported feature sets to e
func WithExporter(e Exporter) Option {
	return func(o *options) { o.exporter = e }
}

// New creates a new pipeline instance. ffmpeg is required unless a decoder
// is supplied and no clip directory is set.
func New(logger zerolog.Logger, cfg *Config, appCfg *config.Config, opts ...Option) (*Pipeline, error) {
	if appCfg == nil {
		appCfg = config.Default()
	}
	if cfg == nil {
		cfg = ConfigFrom(appCfg)
	}
	if !(cfg.BlockSeconds > 0) {
		return nil, fmt.Errorf("block duration must be positive, got %v", cfg.BlockSeconds)
	}

	o := options{bank: kernels.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var ffmpegExec *ffmpeg.Executor
	if o.decoder == nil || cfg.ClipDir != "" {
		var err error
		ffmpegExec, err = ffmpeg.New(logger, ffmpeg.Options{
			FFmpegPath:  appCfg.FFmpeg.BinaryPath,
			FFprobePath: appCfg.FFmpeg.ProbePath,
			Threads:     appCfg.FFmpeg.Threads,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ffmpeg: %w", err)
		}
	}
	if o.decoder == nil {
		o.decoder = video.NewFFmpegDecoder(ffmpegExec, appCfg.FFmpeg.ScaleWidth, appCfg.FFmpeg.ScaleHeight)
	}

	store, err := cache.New(logger, cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	streamer := video.NewStreamer(logger, o.decoder)
	return &Pipeline{
		logger:    logger.With().Str("component", "pipeline").Logger(),
		config:    cfg,
		ffmpeg:    ffmpegExec,
		extractor: features.NewExtractor(logger, o.bank, streamer),
		store:     store,
		exporter:  o.exporter,
		clips:     clips.NewManager(),
	}, nil
}

// Close releases pipeline resources
func (p *Pipeline) Close() error {
	if p.exporter != nil {
		return p.exporter.Close()
	}
	return nil
}

// Store is the feature cache the pipeline reads and writes
func (p *Pipeline) Store() *cache.Store {
	return p.store
}

// Clips holds every clip matched so far
func (p *Pipeline) Clips() *clips.Manager {
	return p.clips
}

// Features returns the feature tensor of path, extracting it only when
// the cache has no entry for its content and block duration
func (p *Pipeline) Features(ctx context.Context, path string) (*FeatureSet, error) {
	block := p.config.BlockSeconds
	res, err := p.store.Get(ctx, path, block, p.config.Cache, func(ctx context.Context) (*tensor.Dense, error) {
		return p.extractor.Video(ctx, path, block)
	})
	if err != nil {
		return nil, err
	}

	fs := &FeatureSet{
		Source: path,
		Hash:   res.Hash,
		Block:  block,
		Tensor: res.Tensor,
		Cached: res.Hit,
	}
	p.logger.Debug().
		Str("source", path).
		Int("blocks", fs.Blocks()).
		Bool("cached", fs.Cached).
		Msg("features ready")
	return fs, nil
}

// Retrieve finds, for every query, the segment of reference it matches
// best. A failing query is reported in its Result and does not stop the
// others; only a reference failure is returned as an error.
func (p *Pipeline) Retrieve(ctx context.Context, reference string, queries []string) ([]Result, error) {
	p.logger.Info().
		Str("reference", reference).
		Int("queries", len(queries)).
		Msg("starting retrieval")

	ref, err := p.Features(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	results := make([]Result, 0, len(queries))
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		clip, err := p.match(ctx, ref, q)
		results = append(results, Result{Query: q, Clip: clip, Err: err})
	}
	return results, nil
}

func (p *Pipeline) match(ctx context.Context, ref *FeatureSet, query string) (*clips.Clip, error) {
	q, err := p.Features(ctx, query)
	if err != nil {
		return nil, err
	}

	m, err := search.Search(p.config.BlockSeconds, ref.Tensor, q.Tensor)
	if err != nil {
		return nil, err
	}

	clip := clips.FromMatch(ref.Source, query, m)
	p.clips.Add(clip)
	p.logger.Info().
		Str("query", query).
		Str("start", util.FormatClock(m.Start)).
		Str("end", util.FormatClock(m.End)).
		Float64("score", m.Score).
		Msg("segment matched")

	if p.config.ClipDir != "" {
		if err := p.Cut(ctx, clip); err != nil {
			p.logger.Warn().Err(err).Str("query", query).Msg("failed to cut matched segment")
		}
	}
	return clip, nil
}

// Cut writes the matched reference segment of clip to
// <ClipDir>/<query name>_match.mp4 and records the path on the clip
func (p *Pipeline) Cut(ctx context.Context, clip *clips.Clip) error {
	if p.ffmpeg == nil {
		return fmt.Errorf("clip cutting requires ffmpeg")
	}
	if p.config.ClipDir == "" {
		return fmt.Errorf("no clip directory configured")
	}
	if err := util.EnsureDir(p.config.ClipDir); err != nil {
		return fmt.Errorf("failed to create clip directory: %w", err)
	}

	out := filepath.Join(p.config.ClipDir, clip.Name()+"_match.mp4")
	err := p.ffmpeg.ExtractClip(ctx, clip.Source, ffmpeg.ClipOptions{
		Start:  clip.Start,
		End:    clip.End,
		Output: out,
		ProgressFunc: func(pr *ffmpeg.Progress) {
			p.logger.Debug().
				Str("clip", clip.ID).
				Int("frame", pr.Frame).
				Str("time", pr.Time).
				Str("speed", pr.Speed).
				Msg("cutting segment")
		},
	})
	if err != nil {
		// a failed encode can leave a truncated file behind
		util.CleanupFiles(out)
		return err
	}
	clip.Output = out
	return nil
}

// Export hands fs to the configured exporter
func (p *Pipeline) Export(ctx context.Context, fs *FeatureSet) error {
	if p.exporter == nil {
		return ErrNoExporter
	}
	if err := p.exporter.Export(ctx, fs.Hash, fs.Source, fs.Block, fs.Tensor); err != nil {
		return fmt.Errorf("export %s: %w", fs.Source, err)
	}
	return nil
}

// WriteFeatures saves t to path as a .npy file, replacing it atomically
func WriteFeatures(path string, t *tensor.Dense) error {
	if err := util.WriteFileAtomic(path, t.WriteNpy); err != nil {
		return fmt.Errorf("failed to write features to %s: %w", path, err)
	}
	return nil
}
