package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/ralphy/internal/enginestream"
	"github.com/danshapiro/ralphy/internal/plancache"
	"github.com/danshapiro/ralphy/internal/taskerr"
	"github.com/danshapiro/ralphy/internal/tasksource"
)

// PlannerConfig tunes the re-plan loop.
type PlannerConfig struct {
	// MaxReplans is the total number of planning attempts. Default 3.
	MaxReplans int
	// DenyGlobs filters planned paths. Nil means DefaultDenyGlobs.
	DenyGlobs []string
	// BackoffBase is the first connection-failure delay; the ladder doubles
	// per attempt and caps at five times the base. Default 2 s.
	BackoffBase time.Duration
}

func (c *PlannerConfig) defaults() {
	if c.MaxReplans <= 0 {
		c.MaxReplans = 3
	}
	if c.DenyGlobs == nil {
		c.DenyGlobs = DefaultDenyGlobs
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
}

// Planner asks the engine for a sectioned plan and keeps the planning cache
// warm. It does not retry transport failures beyond the fixed connection
// backoff; fatal errors propagate to the caller untouched.
type Planner struct {
	invoker Invoker
	cache   *plancache.Cache
	cfg     PlannerConfig
	logger  hclog.Logger
}

// NewPlanner wires a planner. cache may be nil to disable caching.
func NewPlanner(invoker Invoker, cache *plancache.Cache, cfg PlannerConfig, logger hclog.Logger) *Planner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cfg.defaults()
	return &Planner{
		invoker: invoker,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.Named("planner"),
	}
}

// connectionBackoff is the re-plan ladder for connection failures: with the
// default base it runs 2 s, 4 s, 8 s, capped at 10 s.
func (c PlannerConfig) connectionBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase << (attempt - 1)
	if limit := 5 * c.BackoffBase; d > limit {
		d = limit
	}
	return d
}

// Plan produces the advisory plan for task. The cache is consulted first; a
// valid hit skips the engine entirely. Malformed engine output (a raw
// tool_use instead of a sectioned response) re-plans up to MaxReplans
// before giving up with an error-carrying Plan.
func (p *Planner) Plan(ctx context.Context, workDir string, task tasksource.Task, onProgress ProgressFunc) (*Plan, error) {
	if p.cache != nil {
		if files, ok := p.cache.Get(task.ID, task.Title); ok {
			p.logger.Debug("planning cache hit", "task", task.ID)
			emit(onProgress, Progress{Stage: StagePlanningCached})
			return &Plan{Files: files, Cached: true}, nil
		}
	}

	emit(onProgress, Progress{Stage: StageStarted})
	prompt := buildPlanningPrompt(task)

	var lastErr error
	sawToolUse := false
	for attempt := 1; attempt <= p.cfg.MaxReplans; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sawText, sawAnalysis, sawPlan := false, false, false
		var reward float64
		var hasReward bool
		out, err := p.invoker.Invoke(ctx, workDir, prompt, func(line string) {
			if !sawText {
				sawText = true
				emit(onProgress, Progress{Stage: StageThinking})
			}
			if !sawAnalysis && strings.Contains(line, "<ANALYSIS>") {
				sawAnalysis = true
				emit(onProgress, Progress{Stage: StageAnalyzing})
			}
			if !sawPlan && strings.Contains(line, "<PLAN>") {
				sawPlan = true
				emit(onProgress, Progress{Stage: StagePlanning})
			}
			if r, ok := enginestream.ExtractReward(line); ok {
				reward, hasReward = r, true
			}
		})
		if err != nil {
			if taskerr.IsConnection(err) && attempt < p.cfg.MaxReplans {
				delay := p.cfg.connectionBackoff(attempt)
				p.logger.Warn("planning hit connection failure, backing off",
					"attempt", attempt, "delay", delay, "error", err)
				lastErr = err
				if serr := sleepWithContext(ctx, delay); serr != nil {
					return nil, serr
				}
				continue
			}
			emit(onProgress, Progress{Stage: StageFailed, Detail: err.Error()})
			return nil, err
		}

		output := out.Output
		if isToolUseOutput(output) {
			sawToolUse = true
			p.logger.Warn("engine produced tool invocation instead of a plan, re-planning",
				"attempt", attempt, "max", p.cfg.MaxReplans)
			continue
		}
		plan, perr := parsePlanOutput(output)
		if perr != nil {
			lastErr = perr
			p.logger.Warn("plan response malformed, re-planning",
				"attempt", attempt, "max", p.cfg.MaxReplans, "error", perr)
			continue
		}

		plan.Files = filterDeniedFiles(plan.Files, p.cfg.DenyGlobs)
		if p.cache != nil {
			if cerr := p.cache.Put(task.ID, task.Title, plan.Files); cerr != nil {
				p.logger.Warn("planning cache write failed", "task", task.ID, "error", cerr)
			}
		}
		emit(onProgress, Progress{Stage: StageCompleted, Reward: reward, HasReward: hasReward})
		return plan, nil
	}

	msg := fmt.Sprintf("Planning failed: engine returned tool_use output instead of a plan after %d attempts", p.cfg.MaxReplans)
	if !sawToolUse && lastErr != nil {
		msg = fmt.Sprintf("Planning failed after %d attempts: %v", p.cfg.MaxReplans, lastErr)
	}
	p.logger.Error("planning exhausted", "task", task.ID, "attempts", p.cfg.MaxReplans)
	emit(onProgress, Progress{Stage: StageFailed, Detail: msg})
	return &Plan{Files: []string{}, Err: msg}, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
