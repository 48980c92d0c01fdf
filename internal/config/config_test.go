package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "research.toml")
	doc := `
db_path = "runs.db"
roster_path = "roster.yaml"

[loop]
max_loops = 7

[scoring]
min_sample = 3
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "runs.db" || cfg.RosterPath != "roster.yaml" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.Loop.MaxLoops != 7 {
		t.Fatalf("expected max_loops 7, got %d", cfg.Loop.MaxLoops)
	}
	if cfg.Loop.ScoreThresholdPct != 5.0 {
		t.Fatalf("expected default score threshold, got %v", cfg.Loop.ScoreThresholdPct)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Fatalf("expected default max retries, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Scoring.MinSample != 3 {
		t.Fatalf("expected min_sample 3, got %d", cfg.Scoring.MinSample)
	}
	if cfg.Loop.PerCallTimeout() != 2*time.Minute {
		t.Fatalf("expected default per-call timeout, got %v", cfg.Loop.PerCallTimeout())
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
