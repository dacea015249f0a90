package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRunConfigYAML(t *testing.T) {
	path := writeConfig(t, "run.yaml", `
task_file: tasks.md
concurrency: 4
engine:
  kind: codex
  model: o3
queue:
  backend: memory
retry:
  max_retries: 5
`)
	cfg, err := LoadRunConfig(path)
	if err != nil {
		t.Fatalf("LoadRunConfig: %v", err)
	}
	if cfg.Concurrency != 4 {
		t.Fatalf("concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.Engine.Kind != "codex" || cfg.Engine.Model != "o3" {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("retry.max_retries = %d, want 5", cfg.Retry.MaxRetries)
	}
	// Defaults applied.
	if cfg.Version != 1 || cfg.WorkDir != "." || cfg.MaxAttempts != 3 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Priority != "normal" {
		t.Fatalf("priority = %q, want normal", cfg.Priority)
	}
}

func TestLoadRunConfigJSON(t *testing.T) {
	path := writeConfig(t, "run.json", `{"task_file": "tasks.csv", "queue": {"backend": "file"}}`)
	cfg, err := LoadRunConfig(path)
	if err != nil {
		t.Fatalf("LoadRunConfig: %v", err)
	}
	if cfg.Queue.Backend != QueueFile {
		t.Fatalf("backend = %q, want file", cfg.Queue.Backend)
	}
	if cfg.Queue.Path == "" {
		t.Fatal("file backend got no default snapshot path")
	}
}

func TestLoadRunConfigRejectsUnknownFields(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"run.yaml", "task_file: t.md\nbogus_field: 1\n"},
		{"run.json", `{"task_file": "t.md", "bogus_field": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.name, tc.body)
			if _, err := LoadRunConfig(path); err == nil {
				t.Fatal("unknown field accepted")
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr string
	}{
		{"missing task file", func(c *RunConfig) { c.TaskFile = "" }, "task_file"},
		{"bad priority", func(c *RunConfig) { c.Priority = "urgent" }, "priority"},
		{"bad backend", func(c *RunConfig) { c.Queue.Backend = "sqlite" }, "backend"},
		{"bad engine", func(c *RunConfig) { c.Engine.Kind = "oracle" }, "engine"},
		{"custom without binary", func(c *RunConfig) { c.Engine.Kind = "custom" }, "binary"},
		{"redis without addr", func(c *RunConfig) {
			c.Queue.Backend = QueueRedis
			c.Queue.Redis.Addr = ""
		}, "redis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := RunConfig{TaskFile: "tasks.md"}
			ApplyConfigDefaults(&cfg)
			tc.mutate(&cfg)
			err := ValidateConfig(&cfg)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestEngineSectionConversion(t *testing.T) {
	s := EngineSection{Kind: "claude", Model: "opus", StallTimeoutMS: 60000}
	cfg := s.engineConfig()
	if cfg.StallTimeout.Seconds() != 60 {
		t.Fatalf("stall timeout = %s, want 1m", cfg.StallTimeout)
	}
	if string(cfg.Kind) != "claude" || cfg.Model != "opus" {
		t.Fatalf("conversion lost fields: %+v", cfg)
	}
}
