// Package orchestrator wires the execution kernel together and drives
// tasks end to end: claim from the state manager, plan, lock the planned
// file set, execute the engine, snapshot results into the hash store, and
// record the outcome in both the queue and the durable state file.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/danshapiro/ralphy/internal/cleanup"
	"github.com/danshapiro/ralphy/internal/engine"
	"github.com/danshapiro/ralphy/internal/hashstore"
	"github.com/danshapiro/ralphy/internal/lockmgr"
	"github.com/danshapiro/ralphy/internal/plancache"
	"github.com/danshapiro/ralphy/internal/retry"
	"github.com/danshapiro/ralphy/internal/runner"
	"github.com/danshapiro/ralphy/internal/taskerr"
	"github.com/danshapiro/ralphy/internal/taskqueue"
	"github.com/danshapiro/ralphy/internal/tasksource"
	"github.com/danshapiro/ralphy/internal/taskstate"
)

// Executor runs one engine execution under retry and breaker gating.
// Satisfied by *engine.Adapter.
type Executor interface {
	Execute(ctx context.Context, workDir, prompt string, onProgress engine.ProgressFunc) (*engine.Outcome, error)
	CheckAuth(ctx context.Context, workDir string) error
	Binary() string
}

// TaskPlanner produces the advisory plan for a task. Satisfied by
// *engine.Planner.
type TaskPlanner interface {
	Plan(ctx context.Context, workDir string, task tasksource.Task, onProgress engine.ProgressFunc) (*engine.Plan, error)
}

// IsAuthFailure reports whether err is an authentication failure, the one
// error class that aborts the whole run.
func IsAuthFailure(err error) bool {
	return taskerr.CodeOf(err) == taskerr.CodeAuth
}

// Orchestrator owns the five authorities for one run. Construct with New;
// the Executor and Planner fields may be swapped before Run for testing.
type Orchestrator struct {
	cfg    RunConfig
	runID  string
	logger hclog.Logger

	source  *tasksource.Source
	states  *taskstate.Manager
	queue   taskqueue.Queue
	locks   *lockmgr.Manager
	breaker *retry.Breaker
	runner  *runner.Runner
	sink    *ProgressSink
	reg     *cleanup.Registry

	Executor Executor
	Planner  TaskPlanner

	tokensIn  atomic.Int64
	tokensOut atomic.Int64
	authErr   atomic.Value // error
}

// New validates cfg and builds a fully wired orchestrator. The cleanup
// registry receives teardown callbacks (child processes, queue flush) and
// must be Run by the caller on shutdown.
func New(cfg RunConfig, reg *cleanup.Registry, logger hclog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ApplyConfigDefaults(&cfg)
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		cfg.RunID = NewRunID()
	}
	if cfg.LogsRoot == "" {
		cfg.LogsRoot = filepath.Join(cfg.WorkDir, ".ralphy", "runs", cfg.RunID)
	}
	if reg == nil {
		reg = cleanup.NewRegistry(logger)
	}

	src, err := tasksource.Open(cfg.TaskFile)
	if err != nil {
		return nil, err
	}
	states, err := taskstate.NewManager(cfg.WorkDir, src, logger)
	if err != nil {
		return nil, err
	}
	queue, err := buildQueue(cfg, logger)
	if err != nil {
		return nil, err
	}
	reg.Register("task queue", queue.Close)

	sink, err := NewProgressSink(cfg.LogsRoot, cfg.RunID, logger)
	if err != nil {
		return nil, err
	}

	procs := runner.NewRegistry(logger)
	reg.Register("child processes", func() error {
		return procs.KillAll(time.Second)
	})
	run := runner.New(procs, logger)

	breaker := retry.NewBreaker(cfg.Breaker.breakerConfig(), logger)
	policy := cfg.Retry.policy()
	policy.Breaker = breaker
	policy.Logger = logger

	adapter, err := engine.NewAdapter(cfg.Engine.engineConfig(), run, policy, logger)
	if err != nil {
		return nil, err
	}

	var planner TaskPlanner
	if !cfg.Planner.Disabled {
		cache, err := plancache.NewCache(cfg.WorkDir, logger)
		if err != nil {
			return nil, err
		}
		planner = engine.NewPlanner(adapter, cache, engine.PlannerConfig{
			MaxReplans: cfg.Planner.MaxReplans,
			DenyGlobs:  cfg.Planner.DenyGlobs,
		}, logger)
	}

	return &Orchestrator{
		cfg:      cfg,
		runID:    cfg.RunID,
		logger:   logger.Named("orchestrator"),
		source:   src,
		states:   states,
		queue:    queue,
		locks:    lockmgr.NewManager(cfg.WorkDir, logger),
		breaker:  breaker,
		runner:   run,
		sink:     sink,
		reg:      reg,
		Executor: adapter,
		Planner:  planner,
	}, nil
}

func buildQueue(cfg RunConfig, logger hclog.Logger) (taskqueue.Queue, error) {
	switch cfg.Queue.Backend {
	case QueueMemory:
		return taskqueue.NewMemory(), nil
	case QueueFile:
		return taskqueue.NewFile(cfg.Queue.Path, taskqueue.FileOptions{}, logger)
	case QueueRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		return taskqueue.NewRedis(client, taskqueue.RedisOptions{
			Namespace: cfg.Queue.Redis.Namespace,
		}, logger), nil
	}
	return nil, fmt.Errorf("orchestrator: unknown queue backend %q", cfg.Queue.Backend)
}

// RunID returns this run's identifier.
func (o *Orchestrator) RunID() string { return o.runID }

// LogsRoot returns where progress and summary files land.
func (o *Orchestrator) LogsRoot() string { return o.cfg.LogsRoot }

// States exposes the state manager for status rendering.
func (o *Orchestrator) States() *taskstate.Manager { return o.states }

// Queue exposes the queue for status rendering.
func (o *Orchestrator) Queue() taskqueue.Queue { return o.queue }

// Validate checks the engine binary exists and the credentials work.
func (o *Orchestrator) Validate(ctx context.Context) error {
	if _, err := o.source.Load(); err != nil {
		return fmt.Errorf("task file: %w", err)
	}
	return o.Executor.CheckAuth(ctx, o.cfg.WorkDir)
}

// Run executes every pending task and blocks until the queue drains, the
// context is cancelled, or an authentication failure aborts the run.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	tasks, err := o.source.Load()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	if err := o.states.Initialize(tasks); err != nil {
		return nil, fmt.Errorf("initialize state: %w", err)
	}
	if err := o.seed(ctx, tasks); err != nil {
		return nil, err
	}

	o.sink.Emit("run_start", map[string]any{
		"tasks":       len(tasks),
		"concurrency": o.cfg.Concurrency,
		"engine":      o.cfg.Engine.Kind,
		"queue":       string(o.cfg.Queue.Backend),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if rq, ok := o.queue.(*taskqueue.Redis); ok {
		go o.sweepLoop(runCtx, rq)
	}

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.workerLoop(runCtx, cancel, worker)
		}(i)
	}
	wg.Wait()

	summary := o.buildSummary(ctx, started)
	if err := WriteSummary(o.cfg.LogsRoot, summary); err != nil {
		o.logger.Warn("summary write failed", "error", err)
	}
	o.sink.Emit("run_end", map[string]any{
		"duration_ms":   summary.DurationMS,
		"states":        summary.States,
		"input_tokens":  summary.InputTokens,
		"output_tokens": summary.OutputTokens,
	})

	if v := o.authErr.Load(); v != nil {
		return summary, v.(error)
	}
	return summary, ctx.Err()
}

// seed reconciles the queue with the task list: fresh runs start from a
// cleared queue, resumed runs keep the snapshot and only add unknown tasks.
func (o *Orchestrator) seed(ctx context.Context, tasks []tasksource.Task) error {
	if !o.cfg.Resume {
		if err := o.queue.Clear(ctx); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
	}
	priority := taskqueue.Priority(o.cfg.Priority)
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		if ent, ok := o.states.Get(t.ID); ok && ent.State != taskstate.StatePending {
			continue
		}
		if has, err := o.queue.HasTask(ctx, t.ID); err != nil {
			return err
		} else if has {
			continue
		}
		if err := o.queue.Enqueue(ctx, taskqueue.NewItem(t, priority, o.cfg.MaxAttempts)); err != nil {
			return fmt.Errorf("enqueue %s: %w", t.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) sweepLoop(ctx context.Context, rq *taskqueue.Redis) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n, err := rq.SweepExpired(ctx); err != nil {
				o.logger.Warn("claim sweep failed", "error", err)
			} else if n > 0 {
				o.logger.Info("requeued expired claims", "count", n)
			}
		}
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, abort context.CancelFunc, worker int) {
	log := o.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok, err := o.queue.Dequeue(ctx)
		if err != nil {
			log.Error("dequeue failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if !ok {
			running, rerr := o.queue.Running(ctx)
			if rerr == nil && len(running) == 0 {
				return
			}
			if !sleepCtx(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}
		o.runTask(ctx, abort, log, item)
	}
}

// runTask drives one dequeued item through claim, plan, lock, execute,
// snapshot, and release. The queue item is already in the running partition
// when this is called.
func (o *Orchestrator) runTask(ctx context.Context, abort context.CancelFunc, log hclog.Logger, item *taskqueue.Item) {
	id := item.Task.ID
	claimed, err := o.states.Claim(id)
	if err != nil {
		log.Error("claim failed", "task", id, "error", err)
		if _, ferr := o.queue.MarkFailed(ctx, id); ferr != nil {
			log.Error("mark failed", "task", id, "error", ferr)
		}
		return
	}
	if !claimed {
		// Another run already finished this task, or it was skipped in the
		// state file; route the queue item to match.
		if ent, ok := o.states.Get(id); ok && ent.State == taskstate.StateCompleted {
			if err := o.queue.MarkComplete(ctx, id); err != nil {
				log.Warn("mark complete", "task", id, "error", err)
			}
			return
		}
		if err := o.queue.MarkSkipped(ctx, id); err != nil {
			log.Warn("mark skipped", "task", id, "error", err)
		}
		return
	}

	log.Info("task started", "task", id, "title", item.Task.Title, "attempt", item.Attempts+1)
	o.sink.Emit("task_start", map[string]any{
		"task":    id,
		"title":   item.Task.Title,
		"attempt": item.Attempts + 1,
	})

	onProgress := func(p engine.Progress) {
		fields := map[string]any{"task": id, "stage": string(p.Stage)}
		if p.Detail != "" {
			fields["detail"] = p.Detail
		}
		if p.HasReward {
			fields["reward"] = p.Reward
		}
		o.sink.Emit("task_progress", fields)
	}

	var plan *engine.Plan
	if o.Planner != nil {
		plan, err = o.Planner.Plan(ctx, o.cfg.WorkDir, item.Task, onProgress)
		if err == nil && plan.Err != "" {
			err = errors.New(plan.Err)
		}
		if err != nil {
			o.finishFailed(ctx, abort, log, item, err)
			return
		}
		paths := o.lockPaths(plan.Files)
		if len(paths) > 0 {
			acquired, lerr := o.locks.AcquireMany(ctx, paths)
			if lerr != nil || !acquired {
				if lerr == nil {
					lerr = taskerr.Newf(taskerr.CodeTimeout,
						"lock contention on planned file set (%d files)", len(paths))
				}
				o.finishFailed(ctx, abort, log, item, lerr)
				return
			}
			defer func() {
				if rerr := o.locks.ReleaseMany(paths); rerr != nil {
					log.Warn("lock release", "task", id, "error", rerr)
				}
			}()
		}
	}

	out, err := o.Executor.Execute(ctx, o.cfg.WorkDir, buildExecutionPrompt(item.Task, plan), onProgress)
	if out != nil {
		o.tokensIn.Add(out.InputTokens)
		o.tokensOut.Add(out.OutputTokens)
	}
	if err != nil {
		o.finishFailed(ctx, abort, log, item, err)
		return
	}

	if plan != nil {
		o.snapshotFiles(ctx, log, id, plan.Files)
	}
	if err := o.states.Transition(id, taskstate.StateCompleted, ""); err != nil {
		log.Error("state transition", "task", id, "error", err)
	}
	if err := o.queue.MarkComplete(ctx, id); err != nil {
		log.Error("mark complete", "task", id, "error", err)
	}
	if err := o.source.MarkComplete(id); err != nil {
		log.Warn("source checkbox update failed", "task", id, "error", err)
	}
	log.Info("task completed", "task", id,
		"input_tokens", outTokens(out, true), "output_tokens", outTokens(out, false))
	o.sink.Emit("task_complete", map[string]any{
		"task":          id,
		"input_tokens":  outTokens(out, true),
		"output_tokens": outTokens(out, false),
	})
}

func outTokens(out *engine.Outcome, input bool) int64 {
	if out == nil {
		return 0
	}
	if input {
		return out.InputTokens
	}
	return out.OutputTokens
}

// finishFailed records a failed execution in both authorities. An
// authentication failure additionally aborts the whole run.
func (o *Orchestrator) finishFailed(ctx context.Context, abort context.CancelFunc, log hclog.Logger, item *taskqueue.Item, cause error) {
	id := item.Task.ID
	msg := cause.Error()

	state, err := o.states.RecordFailure(id, msg, item.MaxAttempts)
	if err != nil {
		log.Error("record failure", "task", id, "error", err)
	}
	requeued, err := o.queue.MarkFailed(ctx, id)
	if err != nil {
		log.Error("mark failed", "task", id, "error", err)
	}
	log.Warn("task failed", "task", id, "state", state, "requeued", requeued, "error", msg)
	o.sink.Emit("task_failed", map[string]any{
		"task":     id,
		"state":    string(state),
		"requeued": requeued,
		"error":    msg,
	})

	if IsAuthFailure(cause) {
		if o.authErr.CompareAndSwap(nil, error(fmt.Errorf("engine authentication failed: %w", cause))) {
			log.Error("authentication failure, aborting run", "error", msg)
			o.sink.Emit("run_aborted", map[string]any{"error": msg})
		}
		abort()
	}
}

// lockPaths converts planned relative paths into the sorted, deduplicated
// absolute set handed to AcquireMany. Sorting is the deadlock-avoidance
// discipline: every caller acquires in the same order.
func (o *Orchestrator) lockPaths(files []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		abs := f
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(o.cfg.WorkDir, f)
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	}
	sort.Strings(out)
	return out
}

// snapshotFiles records post-execution content of the planned files in the
// per-task hash store. Missing files are fine: plans routinely name files
// the engine decided not to touch.
func (o *Orchestrator) snapshotFiles(ctx context.Context, log hclog.Logger, taskID string, files []string) {
	if len(files) == 0 {
		return
	}
	store, err := hashstore.NewStore(o.cfg.WorkDir, taskID, o.logger)
	if err != nil {
		log.Warn("hash store open failed", "task", taskID, "error", err)
		return
	}
	for _, f := range files {
		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(o.cfg.WorkDir, f)
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := store.AddFile(ctx, path); err != nil {
			log.Warn("hash store add failed", "task", taskID, "file", f, "error", err)
		}
	}
}

func buildExecutionPrompt(task tasksource.Task, plan *engine.Plan) string {
	var b strings.Builder
	b.WriteString("Complete the following engineering task in this repository.\n\n")
	b.WriteString("Task: ")
	b.WriteString(task.Title)
	b.WriteString("\n")
	if body := strings.TrimSpace(task.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	if plan != nil && !plan.Cached {
		if len(plan.Steps) > 0 {
			b.WriteString("\nFollow this plan:\n")
			for i, s := range plan.Steps {
				fmt.Fprintf(&b, "%d. %s\n", i+1, s)
			}
		}
		if len(plan.Files) > 0 {
			b.WriteString("\nOnly modify these files:\n")
			for _, f := range plan.Files {
				b.WriteString("- ")
				b.WriteString(f)
				b.WriteString("\n")
			}
		}
	}
	b.WriteString("\nWhen the task is done, make sure the project still builds and its tests pass.\n")
	return b.String()
}

func (o *Orchestrator) buildSummary(ctx context.Context, started time.Time) *Summary {
	finished := time.Now()
	states := map[string]int{}
	for state, n := range o.states.CountByState() {
		states[string(state)] = n
	}
	stats, err := o.queue.Stats(ctx)
	if err != nil {
		o.logger.Warn("queue stats failed", "error", err)
	}
	return &Summary{
		RunID:        o.runID,
		StartedAt:    started.UTC(),
		FinishedAt:   finished.UTC(),
		DurationMS:   finished.Sub(started).Milliseconds(),
		States:       states,
		Queue:        stats,
		InputTokens:  o.tokensIn.Load(),
		OutputTokens: o.tokensOut.Load(),
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
