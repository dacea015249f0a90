package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/ralphy/internal/engine"
	"github.com/danshapiro/ralphy/internal/retry"
	"github.com/danshapiro/ralphy/internal/taskqueue"
)

// QueueBackend selects the task queue implementation.
type QueueBackend string

const (
	QueueMemory QueueBackend = "memory"
	QueueFile   QueueBackend = "file"
	QueueRedis  QueueBackend = "redis"
)

// EngineSection configures the external engine CLI. Durations are
// milliseconds so the config file stays plain integers.
type EngineSection struct {
	Kind           string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Binary         string   `json:"binary,omitempty" yaml:"binary,omitempty"`
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`
	StallTimeoutMS int      `json:"stall_timeout_ms,omitempty" yaml:"stall_timeout_ms,omitempty"`
	TimeoutMS      int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

func (s EngineSection) engineConfig() engine.Config {
	return engine.Config{
		Kind:         engine.Kind(s.Kind),
		Binary:       s.Binary,
		Model:        s.Model,
		Args:         s.Args,
		StallTimeout: time.Duration(s.StallTimeoutMS) * time.Millisecond,
		Timeout:      time.Duration(s.TimeoutMS) * time.Millisecond,
	}
}

// RedisSection configures the Redis queue backend.
type RedisSection struct {
	Addr      string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db,omitempty" yaml:"db,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// QueueSection configures the task queue.
type QueueSection struct {
	Backend QueueBackend `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Path is the snapshot file for the file backend. Empty means
	// <workDir>/.ralphy/queue.json.
	Path  string       `json:"path,omitempty" yaml:"path,omitempty"`
	Redis RedisSection `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RetrySection configures the retry policy around engine executions.
type RetrySection struct {
	MaxRetries  int   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelayMS int   `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMS  int   `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter      *bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

func (s RetrySection) policy() retry.Policy {
	jitter := true
	if s.Jitter != nil {
		jitter = *s.Jitter
	}
	return retry.Policy{
		MaxRetries: s.MaxRetries,
		BaseDelay:  time.Duration(s.BaseDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(s.MaxDelayMS) * time.Millisecond,
		Jitter:     jitter,
	}
}

// BreakerSection configures the shared circuit breaker.
type BreakerSection struct {
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	ResetTimeoutMS   int `json:"reset_timeout_ms,omitempty" yaml:"reset_timeout_ms,omitempty"`
	HalfOpenMax      int `json:"half_open_max,omitempty" yaml:"half_open_max,omitempty"`
}

func (s BreakerSection) breakerConfig() retry.BreakerConfig {
	return retry.BreakerConfig{
		FailureThreshold: s.FailureThreshold,
		ResetTimeout:     time.Duration(s.ResetTimeoutMS) * time.Millisecond,
		HalfOpenMax:      s.HalfOpenMax,
	}
}

// PlannerSection configures the planning loop.
type PlannerSection struct {
	MaxReplans int      `json:"max_replans,omitempty" yaml:"max_replans,omitempty"`
	DenyGlobs  []string `json:"deny_globs,omitempty" yaml:"deny_globs,omitempty"`
	// Disabled skips planning entirely; tasks run without a planned file
	// set and therefore without file locks.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// RunConfig is the full configuration for one orchestrator run.
type RunConfig struct {
	Version int `json:"version,omitempty" yaml:"version,omitempty"`

	// TaskFile is the task source (csv/yaml/json/md).
	TaskFile string `json:"task_file" yaml:"task_file"`
	// WorkDir is the project directory tasks operate on. Default ".".
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	// LogsRoot receives progress.ndjson and summary.json. Empty means
	// <workDir>/.ralphy/runs/<runID>.
	LogsRoot string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`
	RunID    string `json:"run_id,omitempty" yaml:"run_id,omitempty"`

	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	// MaxAttempts bounds executions per task before it lands in failed.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// Priority applies to every enqueued task. Default "normal".
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty"`

	Engine  EngineSection  `json:"engine,omitempty" yaml:"engine,omitempty"`
	Queue   QueueSection   `json:"queue,omitempty" yaml:"queue,omitempty"`
	Retry   RetrySection   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Breaker BreakerSection `json:"breaker,omitempty" yaml:"breaker,omitempty"`
	Planner PlannerSection `json:"planner,omitempty" yaml:"planner,omitempty"`

	// Resume keeps the previous queue snapshot instead of starting fresh.
	// Set by the CLI, not the config file.
	Resume bool `json:"-" yaml:"-"`
}

// LoadRunConfig reads a config file (JSON by extension, YAML otherwise),
// rejecting unknown fields, then applies defaults and validates.
func LoadRunConfig(path string) (*RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	ApplyConfigDefaults(&cfg)
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfig) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// ApplyConfigDefaults fills unset fields in place.
func ApplyConfigDefaults(cfg *RunConfig) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Priority == "" {
		cfg.Priority = string(taskqueue.PriorityNormal)
	}
	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = envOr("RALPHY_ENGINE", string(engine.KindClaude))
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = QueueFile
	}
	if cfg.Queue.Backend == QueueFile && cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(cfg.WorkDir, ".ralphy", "queue.json")
	}
	if cfg.Queue.Backend == QueueRedis && cfg.Queue.Redis.Addr == "" {
		cfg.Queue.Redis.Addr = envOr("RALPHY_REDIS_ADDR", "127.0.0.1:6379")
	}
}

// ValidateConfig rejects configurations the orchestrator cannot run.
func ValidateConfig(cfg *RunConfig) error {
	if cfg.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", cfg.Version)
	}
	if cfg.TaskFile == "" {
		return fmt.Errorf("config: task_file is required")
	}
	switch taskqueue.Priority(cfg.Priority) {
	case taskqueue.PriorityCritical, taskqueue.PriorityHigh, taskqueue.PriorityNormal, taskqueue.PriorityLow:
	default:
		return fmt.Errorf("config: unknown priority %q", cfg.Priority)
	}
	switch cfg.Queue.Backend {
	case QueueMemory, QueueFile:
	case QueueRedis:
		if cfg.Queue.Redis.Addr == "" {
			return fmt.Errorf("config: queue.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown queue backend %q", cfg.Queue.Backend)
	}
	switch engine.Kind(cfg.Engine.Kind) {
	case engine.KindClaude, engine.KindCodex:
	case engine.KindCustom:
		if cfg.Engine.Binary == "" {
			return fmt.Errorf("config: engine.binary is required for the custom engine")
		}
	default:
		return fmt.Errorf("config: unknown engine kind %q", cfg.Engine.Kind)
	}
	return nil
}
