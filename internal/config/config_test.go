package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.LLM.Type != "ollama" {
		t.Errorf("llm.type = %q, want ollama", cfg.LLM.Type)
	}
	if cfg.Session.ContextWindow.Limit != 200000 {
		t.Errorf("context limit = %d, want 200000", cfg.Session.ContextWindow.Limit)
	}
	if cfg.Session.ContextWindow.RefreshThreshold != 0.80 {
		t.Errorf("refresh threshold = %v, want 0.80", cfg.Session.ContextWindow.RefreshThreshold)
	}
	if cfg.DecisionEngine.QualityProceedThreshold != 0.70 {
		t.Errorf("proceed threshold = %v, want 0.70", cfg.DecisionEngine.QualityProceedThreshold)
	}
	if cfg.DecisionEngine.QualityCriticalThreshold != 0.50 {
		t.Errorf("critical threshold = %v, want 0.50", cfg.DecisionEngine.QualityCriticalThreshold)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("base delay = %v, want 1s", cfg.Retry.BaseDelay)
	}
	if cfg.Watcher.DebounceMS != 500*time.Millisecond {
		t.Errorf("watcher debounce = %v, want 500ms", cfg.Watcher.DebounceMS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadProfileOverrides(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("XDG_CONFIG_HOME", dir)
	defer os.Unsetenv("XDG_CONFIG_HOME")

	profileDir := filepath.Join(dir, "obra")
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		t.Fatal(err)
	}
	profile := `
llm:
  type: external-cli
  command: scorer
retry:
  max_retries: 5
`
	if err := os.WriteFile(filepath.Join(profileDir, "fast.yaml"), []byte(profile), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Options{Profile: "fast"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Type != "external-cli" {
		t.Errorf("llm.type = %q, want external-cli", cfg.LLM.Type)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Retry.MaxRetries)
	}
	// Untouched keys keep their defaults.
	if cfg.Session.ContextWindow.Limit != 200000 {
		t.Errorf("context limit = %d, want default 200000", cfg.Session.ContextWindow.Limit)
	}
}

func TestLoadSetOverrides(t *testing.T) {
	cfg, err := Load(Options{Sets: []string{
		"decision_engine.quality_proceed_threshold=0.85",
		"orchestration.max_iterations=4",
	}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DecisionEngine.QualityProceedThreshold != 0.85 {
		t.Errorf("proceed threshold = %v, want 0.85", cfg.DecisionEngine.QualityProceedThreshold)
	}
	if cfg.Orchestration.MaxIterations != 4 {
		t.Errorf("max iterations = %d, want 4", cfg.Orchestration.MaxIterations)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(Options{Sets: []string{"llm.typo=ollama"}})
	if err == nil || !strings.Contains(err.Error(), "unrecognized") {
		t.Errorf("expected unrecognized key error, got %v", err)
	}
}

func TestLoadRejectsMalformedSet(t *testing.T) {
	_, err := Load(Options{Sets: []string{"no-equals-sign"}})
	if err == nil {
		t.Error("expected error for malformed --set")
	}
}

func TestValidateRejectsAllowCycles(t *testing.T) {
	cfg := Default()
	cfg.TaskDependencies.AllowCycles = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected allow_cycles=true to be rejected")
	}
}

func TestValidateRejectsUnorderedThresholds(t *testing.T) {
	cfg := Default()
	cfg.Session.ContextWindow.RefreshThreshold = 0.60
	if err := cfg.Validate(); err == nil {
		t.Error("expected unordered thresholds to be rejected")
	}
}

func TestMaxTurnsFor(t *testing.T) {
	cfg := Default()
	if got := cfg.MaxTurnsFor("story"); got != 40 {
		t.Errorf("MaxTurnsFor(story) = %d, want 40", got)
	}
	if got := cfg.MaxTurnsFor("unknown"); got != 30 {
		t.Errorf("MaxTurnsFor(unknown) = %d, want default 30", got)
	}
	cfg.Orchestration.MaxTurns.Adaptive = false
	if got := cfg.MaxTurnsFor("epic"); got != 30 {
		t.Errorf("MaxTurnsFor with adaptive off = %d, want 30", got)
	}
}

func TestSnapshotRoundTrips(t *testing.T) {
	cfg := Default()
	snap, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !strings.Contains(snap, "quality_proceed_threshold") {
		t.Error("snapshot missing decision engine keys")
	}
}

func TestKnownKey(t *testing.T) {
	if !KnownKey("git.enabled") {
		t.Error("git.enabled should be known")
	}
	if !KnownKey("orchestration.max_turns.by_task_type.story") {
		t.Error("by_task_type entries should be known")
	}
	if KnownKey("llm.banana") {
		t.Error("llm.banana should be unknown")
	}
}
