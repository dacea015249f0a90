// Package engine drives an external AI CLI as a subprocess and turns its
// streamed JSON events into plans and task outcomes. The adapter is purely
// advisory: it never writes project files itself.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/ralphy/internal/enginestream"
	"github.com/danshapiro/ralphy/internal/retry"
	"github.com/danshapiro/ralphy/internal/runner"
	"github.com/danshapiro/ralphy/internal/taskerr"
)

// Kind selects the engine CLI family.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindCustom Kind = "custom"
)

// Config describes how the engine subprocess is invoked.
type Config struct {
	Kind Kind `json:"kind" yaml:"kind"`
	// Binary overrides the executable; empty means the per-kind default
	// (also overridable via RALPHY_CLAUDE_PATH / RALPHY_CODEX_PATH).
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"`
	Model  string `json:"model,omitempty" yaml:"model,omitempty"`
	// Args is the full argv for KindCustom; the prompt arrives on stdin.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// StallTimeout aborts a streaming execution when no output is observed
	// for this long. Default 5 m.
	StallTimeout time.Duration `json:"stallTimeout,omitempty" yaml:"stallTimeout,omitempty"`
	// Timeout bounds one whole invocation. Zero means no bound.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (c *Config) defaults() {
	if c.Kind == "" {
		c.Kind = KindClaude
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Minute
	}
}

func (c *Config) validate() error {
	switch c.Kind {
	case KindClaude, KindCodex:
	case KindCustom:
		if c.Binary == "" {
			return taskerr.New(taskerr.CodeValidation, "custom engine requires a binary")
		}
	default:
		return taskerr.Newf(taskerr.CodeValidation, "unknown engine kind %q", c.Kind)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// invocation builds the argv for one engine call. Prompts always travel on
// stdin: the runner's argument charset has no room for prose, and every
// supported CLI reads stdin in non-interactive mode.
func (c *Config) invocation(workDir, prompt string) (spec runner.Spec, streaming bool, err error) {
	switch c.Kind {
	case KindClaude:
		bin := c.Binary
		if bin == "" {
			bin = envOr("RALPHY_CLAUDE_PATH", "claude")
		}
		args := []string{"-p", "--output-format", "stream-json", "--verbose"}
		if c.Model != "" {
			args = append(args, "--model", c.Model)
		}
		return runner.Spec{Command: bin, Args: args, Dir: workDir, Stdin: prompt}, true, nil
	case KindCodex:
		bin := c.Binary
		if bin == "" {
			bin = envOr("RALPHY_CODEX_PATH", "codex")
		}
		args := []string{"exec", "--json", "--sandbox", "workspace-write", "-C", workDir}
		if c.Model != "" {
			args = append(args, "-m", c.Model)
		}
		return runner.Spec{Command: bin, Args: args, Dir: workDir, Stdin: prompt}, true, nil
	case KindCustom:
		args := make([]string, len(c.Args))
		copy(args, c.Args)
		return runner.Spec{Command: c.Binary, Args: args, Dir: workDir, Stdin: prompt}, false, nil
	}
	return runner.Spec{}, false, taskerr.Newf(taskerr.CodeValidation, "unknown engine kind %q", c.Kind)
}

// Stage identifies a progress callback event.
type Stage string

const (
	StageStarted        Stage = "started"
	StageThinking       Stage = "thinking"
	StageAnalyzing      Stage = "analyzing"
	StagePlanning       Stage = "planning"
	StagePlanningCached Stage = "planning_cached"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// Progress is delivered to the optional callback as an execution advances.
type Progress struct {
	Stage     Stage
	Detail    string
	Reward    float64
	HasReward bool
}

// ProgressFunc receives progress events. Callbacks must be fast; they run
// on the stream-reader path.
type ProgressFunc func(Progress)

func emit(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}

// Outcome is the digest of one engine execution.
type Outcome struct {
	// Output is the concatenated assistant text (streaming) or raw stdout
	// (batch).
	Output string
	// Result is the final result event payload, when the engine sent one.
	Result       string
	InputTokens  int64
	OutputTokens int64
	Actions      []string
	Reward       float64
	HasReward    bool
	Stalled      bool
	ExitCode     int
}

// Invoker is the raw single-shot engine call the planner builds on.
type Invoker interface {
	Invoke(ctx context.Context, workDir, prompt string, onLine func(string)) (*Outcome, error)
}

// Adapter runs engine invocations under the shared retry policy and circuit
// breaker.
type Adapter struct {
	cfg    Config
	runner *runner.Runner
	policy retry.Policy
	logger hclog.Logger
}

// NewAdapter validates cfg and returns an adapter. The policy's breaker may
// be nil when no circuit gating is wanted.
func NewAdapter(cfg Config, run *runner.Runner, policy retry.Policy, logger hclog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if run == nil {
		run = runner.New(nil, logger)
	}
	return &Adapter{
		cfg:    cfg,
		runner: run,
		policy: policy,
		logger: logger.Named("engine"),
	}, nil
}

// Binary returns the executable this adapter will invoke.
func (a *Adapter) Binary() string {
	spec, _, err := a.cfg.invocation(".", "")
	if err != nil {
		return ""
	}
	return spec.Command
}

// Invoke performs one engine call with no retries. Streaming engines
// deliver every line to onLine and are watched for stalls; batch engines
// return stdout wholesale. Auth failures detected in the stream surface as
// AUTH errors.
func (a *Adapter) Invoke(ctx context.Context, workDir, prompt string, onLine func(string)) (*Outcome, error) {
	spec, streaming, err := a.cfg.invocation(workDir, prompt)
	if err != nil {
		return nil, err
	}
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	out := &Outcome{}
	col := &enginestream.Collector{}

	if !streaming {
		res, err := a.runner.Exec(ctx, spec)
		out.Output = res.Stdout
		out.ExitCode = res.ExitCode
		for _, line := range strings.Split(res.Stdout, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			col.Feed(line)
			if onLine != nil {
				onLine(line)
			}
		}
		a.fill(out, col)
		return out, a.outcomeError(err, col)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	var stalled atomic.Bool

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-tick.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle >= a.cfg.StallTimeout {
					stalled.Store(true)
					a.logger.Warn("engine stalled, aborting", "idle", idle.Round(time.Second))
					cancelRun()
					return
				}
			}
		}
	}()

	var text strings.Builder
	res, runErr := a.runner.ExecStreaming(runCtx, spec, func(line string) {
		lastActivity.Store(time.Now().UnixNano())
		ev := col.Feed(line)
		if ev != nil && ev.Type == "text" && ev.Text != "" {
			text.WriteString(ev.Text)
			text.WriteString("\n")
		}
		if onLine != nil {
			onLine(line)
		}
	})
	cancelRun()
	<-watchdogDone

	out.Output = text.String()
	out.ExitCode = res.ExitCode
	out.Stalled = stalled.Load()
	a.fill(out, col)

	if out.Stalled {
		return out, taskerr.Newf(taskerr.CodeTimeout,
			"engine produced no output for %s", a.cfg.StallTimeout)
	}
	return out, a.outcomeError(runErr, col)
}

func (a *Adapter) fill(out *Outcome, col *enginestream.Collector) {
	out.InputTokens = col.InputTokens
	out.OutputTokens = col.OutputTokens
	out.Actions = col.Actions
	if col.LastResult != "" {
		out.Result = col.LastResult
		if out.Output == "" {
			out.Output = col.LastResult
		}
	}
}

// outcomeError prefers stream-derived classification over the raw process
// error: an auth failure or rate limit seen in the event stream says more
// than "exited with status 1".
func (a *Adapter) outcomeError(runErr error, col *enginestream.Collector) error {
	if first := col.FirstError(); first != nil {
		return first
	}
	return runErr
}

// Execute runs one engine call under the adapter's retry policy. Rewards
// found in the stream are forwarded on thinking events and stamped on the
// outcome.
func (a *Adapter) Execute(ctx context.Context, workDir, prompt string, onProgress ProgressFunc) (*Outcome, error) {
	emit(onProgress, Progress{Stage: StageStarted})

	out, err := retry.DoValue(ctx, a.policy, func(ctx context.Context) (*Outcome, error) {
		sawText := false
		var reward float64
		var hasReward bool
		o, err := a.Invoke(ctx, workDir, prompt, func(line string) {
			if r, ok := enginestream.ExtractReward(line); ok {
				reward, hasReward = r, true
			}
			if !sawText {
				sawText = true
				emit(onProgress, Progress{Stage: StageThinking})
			}
		})
		if o != nil {
			o.Reward, o.HasReward = reward, hasReward
		}
		return o, err
	})
	if err != nil {
		emit(onProgress, Progress{Stage: StageFailed, Detail: err.Error()})
		return out, err
	}
	emit(onProgress, Progress{Stage: StageCompleted, Reward: out.Reward, HasReward: out.HasReward})
	return out, nil
}

// CheckAuth probes the engine with a trivial prompt and reports
// authentication problems as AUTH errors. A missing binary fails
// immediately.
func (a *Adapter) CheckAuth(ctx context.Context, workDir string) error {
	bin := a.Binary()
	if !runner.CommandExists(bin) {
		return taskerr.Newf(taskerr.CodeAuth, "%s: not installed", bin)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := a.Invoke(probeCtx, workDir, "Reply with the single word OK.", nil); err != nil {
		if taskerr.IsFatal(err) {
			return err
		}
		return fmt.Errorf("engine auth probe: %w", err)
	}
	return nil
}
