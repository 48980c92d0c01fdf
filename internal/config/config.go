package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DBPath     string        `toml:"db_path"`
	RosterPath string        `toml:"roster_path"`
	OutputDir  string        `toml:"output_dir"`
	Loop       LoopConfig    `toml:"loop"`
	Queue      QueueConfig   `toml:"queue"`
	Scoring    ScoringConfig `toml:"scoring"`
	Path       string        `toml:"-"`
}

type LoopConfig struct {
	MaxLoops           int     `toml:"max_loops"`
	PerfectMatchLoops  int     `toml:"perfect_match_loops"`
	SetStabilityLoops  int     `toml:"set_stability_loops"`
	ScoreThresholdPct  float64 `toml:"score_threshold_pct"`
	JudgeRegressionPct float64 `toml:"judge_regression_pct"`
	PerCallTimeoutMS   int     `toml:"per_call_timeout_ms"`
}

type QueueConfig struct {
	MaxRetries    int `toml:"max_retries"`
	BackoffBaseMS int `toml:"backoff_base_ms"`
	BackoffMaxMS  int `toml:"backoff_max_ms"`
}

type ScoringConfig struct {
	MinSample int                `toml:"min_sample"`
	BandSlope float64            `toml:"band_slope"`
	Weights   map[string]float64 `toml:"weights"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = "research.toml"
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg.WithDefaults(), nil
}

// WithDefaults fills zero-valued fields so callers can rely on a usable
// configuration even from a sparse file.
func (c Config) WithDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = "research.db"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.Loop.MaxLoops <= 0 {
		c.Loop.MaxLoops = 5
	}
	if c.Loop.PerfectMatchLoops <= 0 {
		c.Loop.PerfectMatchLoops = 2
	}
	if c.Loop.SetStabilityLoops <= 0 {
		c.Loop.SetStabilityLoops = 3
	}
	if c.Loop.ScoreThresholdPct <= 0 {
		c.Loop.ScoreThresholdPct = 5.0
	}
	if c.Loop.JudgeRegressionPct <= 0 {
		c.Loop.JudgeRegressionPct = 10.0
	}
	if c.Loop.PerCallTimeoutMS <= 0 {
		c.Loop.PerCallTimeoutMS = 120_000
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BackoffBaseMS <= 0 {
		c.Queue.BackoffBaseMS = 500
	}
	if c.Queue.BackoffMaxMS <= 0 {
		c.Queue.BackoffMaxMS = 30_000
	}
	if c.Scoring.MinSample <= 0 {
		c.Scoring.MinSample = 2
	}
	if c.Scoring.BandSlope <= 0 {
		c.Scoring.BandSlope = 25.0
	}
	return c
}

func (l LoopConfig) PerCallTimeout() time.Duration {
	return durationMS(l.PerCallTimeoutMS)
}

func (q QueueConfig) BackoffBase() time.Duration {
	return durationMS(q.BackoffBaseMS)
}

func (q QueueConfig) BackoffMax() time.Duration {
	return durationMS(q.BackoffMaxMS)
}

func durationMS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
