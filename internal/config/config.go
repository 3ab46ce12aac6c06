// Package config loads adsets settings from ADSETS_-prefixed environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment key
const Prefix = "ADSETS"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:"~/.adsets/adsets.db"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	Workers   int           `envconfig:"WORKERS" default:"8"`
	AdTimeout time.Duration `envconfig:"AD_TIMEOUT" default:"2m"`

	HeadTimeout   time.Duration `envconfig:"HEAD_TIMEOUT" default:"5s"`
	FetchTimeout  time.Duration `envconfig:"FETCH_TIMEOUT" default:"20s"`
	MaxImageBytes int64         `envconfig:"MAX_IMAGE_BYTES" default:"20971520"`
	FFmpegPath    string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath   string        `envconfig:"FFPROBE_PATH" default:"ffprobe"`

	ImageCutoff     int     `envconfig:"IMAGE_CUTOFF" default:"5"`
	VideoSamples    int     `envconfig:"VIDEO_SAMPLES" default:"6"`
	VideoHashCutoff int     `envconfig:"VIDEO_HASH_CUTOFF" default:"6"`
	VideoSimilarity float64 `envconfig:"VIDEO_SIMILARITY" default:"0.8"`
	TextSimilarity  float64 `envconfig:"TEXT_SIMILARITY" default:"0.8"`
	TextMinLength   int     `envconfig:"TEXT_MIN_LENGTH" default:"20"`

	CandidateLimit      int     `envconfig:"CANDIDATE_LIMIT" default:"20"`
	CandidateSimilarity float64 `envconfig:"CANDIDATE_SIMILARITY" default:"0.8"`
	CandidateRadius     int     `envconfig:"CANDIDATE_HAMMING_RADIUS" default:"10"`

	MergeInterval time.Duration `envconfig:"MERGE_INTERVAL" default:"0"`
}

// Load reads the environment into a validated Config
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadEnvFile seeds the process environment from path. A missing file is
// not an error; variables already set in the environment win.
func LoadEnvFile(path string) (bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("load env file %s: %w", path, err)
	}
	return true, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("%s_DB_PATH is required for the sqlite driver", Prefix)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%s_DATABASE_URL is required for the postgres driver", Prefix)
		}
	default:
		return fmt.Errorf("%s_STORE_DRIVER must be %q or %q, got %q", Prefix, DriverSQLite, DriverPostgres, c.StoreDriver)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%s_WORKERS must be >= 1", Prefix)
	}
	if c.AdTimeout < 0 || c.HeadTimeout < 0 || c.FetchTimeout < 0 || c.MergeInterval < 0 {
		return fmt.Errorf("timeouts and intervals must not be negative")
	}
	if c.MaxImageBytes < 1 {
		return fmt.Errorf("%s_MAX_IMAGE_BYTES must be >= 1", Prefix)
	}
	if c.ImageCutoff < 0 || c.ImageCutoff > 64 {
		return fmt.Errorf("%s_IMAGE_CUTOFF must be between 0 and 64", Prefix)
	}
	if c.VideoHashCutoff < 0 || c.VideoHashCutoff > 64 {
		return fmt.Errorf("%s_VIDEO_HASH_CUTOFF must be between 0 and 64", Prefix)
	}
	if c.VideoSamples < 1 {
		return fmt.Errorf("%s_VIDEO_SAMPLES must be >= 1", Prefix)
	}
	for name, v := range map[string]float64{
		"VIDEO_SIMILARITY":     c.VideoSimilarity,
		"TEXT_SIMILARITY":      c.TextSimilarity,
		"CANDIDATE_SIMILARITY": c.CandidateSimilarity,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s_%s must be between 0 and 1", Prefix, name)
		}
	}
	if c.TextMinLength < 0 {
		return fmt.Errorf("%s_TEXT_MIN_LENGTH must be >= 0", Prefix)
	}
	if c.CandidateLimit < 1 {
		return fmt.Errorf("%s_CANDIDATE_LIMIT must be >= 1", Prefix)
	}
	if c.CandidateRadius < -1 || c.CandidateRadius > 64 {
		return fmt.Errorf("%s_CANDIDATE_HAMMING_RADIUS must be between -1 and 64", Prefix)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
