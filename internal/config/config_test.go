package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadDefaultsWhenFilesMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "none.json"), filepath.Join(dir, "also-none.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.GlobalConcurrency != 4 {
		t.Errorf("GlobalConcurrency = %d, want 4", cfg.Engine.GlobalConcurrency)
	}
	if cfg.Engine.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Engine.Retry.MaxAttempts)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.json")
	projectPath := filepath.Join(dir, "project.json")

	writeFile(t, globalPath, `{"engine": {"global_concurrency": 8, "fail_fast": true}}`)
	writeFile(t, projectPath, `{"engine": {"global_concurrency": 2}}`)

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.GlobalConcurrency != 2 {
		t.Errorf("GlobalConcurrency = %d, want project value 2", cfg.Engine.GlobalConcurrency)
	}
	if !cfg.Engine.FailFast {
		t.Error("FailFast from global config was lost in the merge")
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.Retry.BaseDelayMs != 500 {
		t.Errorf("Retry.BaseDelayMs = %d, want default 500", cfg.Engine.Retry.BaseDelayMs)
	}
}

func TestLoadMalformedJSONFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	writeFile(t, path, `{"engine": `)

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for malformed JSON")
	} else if !strings.Contains(err.Error(), "bad.json") {
		t.Errorf("error %v does not name the offending file", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Engine.GlobalConcurrency = 7
	cfg.Store.Backend = "memory"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Engine.GlobalConcurrency != 7 {
		t.Errorf("GlobalConcurrency = %d, want 7", loaded.Engine.GlobalConcurrency)
	}
	if loaded.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", loaded.Store.Backend)
	}
}

func TestEngineConfigOptions(t *testing.T) {
	ec := EngineConfig{
		GlobalConcurrency: 6,
		PerUnitTimeoutMs:  1500,
		WholeRunTimeoutMs: 60000,
		RequiredUnits:     []string{"deploy"},
		MinSuccessRatio:   0.8,
		Retry:             RetryConfig{MaxAttempts: 2, BaseDelayMs: 100, MaxDelayMs: 1000, Jitter: 0.25},
		Breaker:           BreakerConfig{FailureThreshold: 3, ResetTimeoutMs: 5000},
	}

	opts := ec.Options()
	if opts.GlobalConcurrency != 6 {
		t.Errorf("GlobalConcurrency = %d, want 6", opts.GlobalConcurrency)
	}
	if opts.PerUnitTimeout != 1500*time.Millisecond {
		t.Errorf("PerUnitTimeout = %s, want 1.5s", opts.PerUnitTimeout)
	}
	if opts.WholeRunTimeout != time.Minute {
		t.Errorf("WholeRunTimeout = %s, want 1m", opts.WholeRunTimeout)
	}
	if len(opts.RequiredUnitIDs) != 1 || opts.RequiredUnitIDs[0] != "deploy" {
		t.Errorf("RequiredUnitIDs = %v, want [deploy]", opts.RequiredUnitIDs)
	}
	if opts.Retry.BaseDelay != 100*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %s, want 100ms", opts.Retry.BaseDelay)
	}
	if opts.Breaker.FailureThreshold != 3 {
		t.Errorf("Breaker.FailureThreshold = %d, want 3", opts.Breaker.FailureThreshold)
	}
}
