package pipeline

import (
	"context"

	"gorgonia.org/tensor"

	"github.com/keagan/vsrep/internal/cache"
	"github.com/keagan/vsrep/internal/clips"
	"github.com/keagan/vsrep/internal/config"
)

// FeatureSet is the feature tensor of one source video
type FeatureSet struct {
	Source string
	// Hash is the content fingerprint, empty when the source could not be read
	Hash   string
	Block  float64
	Tensor *tensor.Dense
	Cached bool
}

// Blocks is the number of feature rows
func (fs *FeatureSet) Blocks() int {
	return fs.Tensor.Shape()[0]
}

// Result is the outcome of matching one query against the reference
type Result struct {
	Query string
	Clip  *clips.Clip
	Err   error
}

// Exporter receives every feature set the pipeline is asked to export
type Exporter interface {
	Export(ctx context.Context, hash, source string, block float64, t *tensor.Dense) error
	Close() error
}

// Config holds pipeline-specific configuration
type Config struct {
	BlockSeconds float64
	CacheDir     string
	Cache        cache.Options
	// ClipDir, when set, receives the matched reference segment per query
	ClipDir string
}

// ConfigFrom derives the pipeline settings from the application config
func ConfigFrom(appCfg *config.Config) *Config {
	return &Config{
		BlockSeconds: appCfg.BlockSeconds,
		CacheDir:     appCfg.CacheDir,
		Cache: cache.Options{
			UseCache:  appCfg.Cache.Use,
			SaveCache: appCfg.Cache.Save,
		},
	}
}
