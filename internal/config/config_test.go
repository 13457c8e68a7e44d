package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("MAX_CONCURRENT_JOBS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 8 {
		t.Fatalf("expected default worker count 8, got %d", cfg.Worker.Count)
	}
	if cfg.Redis.Addr() == "" {
		t.Fatalf("expected default redis addr")
	}
}

func TestLoadZeroMeansDefault(t *testing.T) {
	os.Setenv("MAX_CONCURRENT_JOBS", "0")
	defer os.Unsetenv("MAX_CONCURRENT_JOBS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 8 {
		t.Fatalf("expected MAX_CONCURRENT_JOBS=0 to fall back to default, got %d", cfg.Worker.Count)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Count = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.count < 1")
	}
	cfg = defaultConfig()
	cfg.Worker.ParallelismGate = cfg.Worker.Count + 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for parallelism_gate > worker.count")
	}
	cfg = defaultConfig()
	cfg.API.ListMax = cfg.API.ListDefault - 1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for list_max_limit < list_default_limit")
	}
}
