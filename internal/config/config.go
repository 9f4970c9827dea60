package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// DefaultBlockSeconds is the duration of one convolution block.
const DefaultBlockSeconds = 0.5

// Config holds all application configuration
type Config struct {
	// Core settings
	CacheDir     string  `yaml:"cache_dir"`
	BlockSeconds float64 `yaml:"block_seconds"`

	Cache  CacheConfig  `yaml:"cache"`
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`
	Export ExportConfig `yaml:"export"`
}

// CacheConfig toggles the two halves of the feature cache
type CacheConfig struct {
	Use  bool `yaml:"use"`
	Save bool `yaml:"save"`
}

type FFmpegConfig struct {
	BinaryPath  string `yaml:"binary_path"`
	ProbePath   string `yaml:"ffprobe_path"`
	Threads     int    `yaml:"threads"`
	ScaleWidth  int    `yaml:"scale_width"`
	ScaleHeight int    `yaml:"scale_height"`
}

type ExportConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds connection details for the pgvector export
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
}

// ConnString builds a postgres:// URL from the individual fields
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		p.User, p.Password, p.Host, p.Port, p.DBName)
}

// Load reads configuration from file or returns defaults
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects values the pipeline cannot work with
func (c *Config) Validate() error {
	if c.BlockSeconds <= 0 {
		return fmt.Errorf("block_seconds must be positive, got %v", c.BlockSeconds)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.FFmpeg.ScaleWidth < 0 || c.FFmpeg.ScaleHeight < 0 {
		return fmt.Errorf("scale dimensions must not be negative")
	}
	return nil
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Default returns the built-in configuration
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		CacheDir:     "./cache",
		BlockSeconds: DefaultBlockSeconds,
		Cache: CacheConfig{
			Use:  true,
			Save: true,
		},
		FFmpeg: FFmpegConfig{
			BinaryPath: "ffmpeg",
			ProbePath:  "ffprobe",
			Threads:    0,
		},
		Export: ExportConfig{
			Postgres: PostgresConfig{
				Host:   "localhost",
				Port:   "5432",
				DBName: "vsrep",
			},
		},
	}
}

func findConfigFile() string {
	candidates := []string{
		"./config.yaml",
		"./config.yml",
		filepath.Join(os.Getenv("HOME"), ".vsrep", "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
