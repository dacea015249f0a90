// Package runner launches validated subprocesses. No shell is ever invoked;
// the command and its arguments are executed directly with the parent
// environment merged with per-call overrides. Spawned children are tracked
// in a Registry the shutdown path walks.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

// stderrTailSize bounds how much stderr is retained for classification.
const stderrTailSize = 32 * 1024

const killGrace = 1 * time.Second

// Spec describes one subprocess invocation. Env entries override the parent
// environment. Stdin is piped verbatim; prompts travel this way because the
// argument charset is strict.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Stdin   string
}

// Result carries the subprocess outcome. In streaming mode Stdout is empty;
// lines were already delivered to the callback. Stderr holds at most the
// last 32 KiB.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandExists reports whether name resolves on PATH.
func CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

type Runner struct {
	registry *Registry
	logger   hclog.Logger
}

func New(registry *Registry, logger hclog.Logger) *Runner {
	if registry == nil {
		registry = NewRegistry(logger)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runner{registry: registry, logger: logger}
}

func (r *Runner) Registry() *Registry { return r.registry }

// Exec runs the command to completion and captures stdout fully. A non-zero
// exit returns the filled Result together with a PROCESS error carrying the
// exit code and stderr tail.
func (r *Runner) Exec(ctx context.Context, spec Spec) (Result, error) {
	var stdout bytes.Buffer
	res, err := r.run(ctx, spec, &stdout, nil)
	res.Stdout = stdout.String()
	return res, err
}

// ExecStreaming runs the command delivering each non-empty output line to
// onLine in arrival order. Stdout and stderr are read concurrently; the
// callback is serialized.
func (r *Runner) ExecStreaming(ctx context.Context, spec Spec, onLine func(string)) (Result, error) {
	return r.run(ctx, spec, nil, onLine)
}

func (r *Runner) run(ctx context.Context, spec Spec, stdout io.Writer, onLine func(string)) (Result, error) {
	if err := ValidateSpec(spec); err != nil {
		return Result{ExitCode: -1}, err
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnvWithOverrides(os.Environ(), spec.Env)
	// Always give the child a stdin reader so interactive CLIs do not block
	// on the orchestrator's terminal.
	cmd.Stdin = strings.NewReader(spec.Stdin)
	setProcGroup(cmd)

	tail, _ := circbuf.NewBuffer(stderrTailSize)

	var lineMu sync.Mutex
	deliver := func(line string) {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			return
		}
		lineMu.Lock()
		onLine(line)
		lineMu.Unlock()
	}

	var readers sync.WaitGroup
	if onLine != nil {
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return Result{ExitCode: -1}, err
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return Result{ExitCode: -1}, err
		}
		readers.Add(2)
		go func() {
			defer readers.Done()
			scanLines(stdoutPipe, deliver)
		}()
		go func() {
			defer readers.Done()
			scanLines(stderrPipe, func(line string) {
				tail.Write([]byte(line + "\n"))
				deliver(line)
			})
		}()
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = tail
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{ExitCode: -1}, taskerr.Newf(taskerr.CodeValidation, "%s: command not found", spec.Command)
		}
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	r.registry.add(cmd)
	pid := cmd.Process.Pid
	defer r.registry.remove(pid)

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := killTree(cmd, false); err != nil {
				r.logger.Warn("terminate process group", "pid", pid, "error", err)
			}
			select {
			case <-waitDone:
			case <-time.After(killGrace):
				_ = killTree(cmd, true)
			}
		case <-waitDone:
		}
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	res := Result{Stderr: string(tail.Bytes())}
	if waitErr == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, taskerr.Newf(taskerr.CodeTimeout, "%s timed out", spec.Command).With("stderr_tail", res.Stderr)
		}
		return res, fmt.Errorf("%s canceled: %w", spec.Command, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		perr := taskerr.Process(fmt.Sprintf("%s exited with status %d", spec.Command, res.ExitCode), res.ExitCode)
		return res, perr.With("stderr_tail", res.Stderr)
	}
	res.ExitCode = -1
	return res, fmt.Errorf("wait %s: %w", spec.Command, waitErr)
}

func scanLines(rd io.Reader, deliver func(string)) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		deliver(scanner.Text())
	}
}

func mergeEnvWithOverrides(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	used := map[string]bool{}
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if v, ok := overrides[key]; ok {
			out = append(out, key+"="+v)
			used[key] = true
			continue
		}
		out = append(out, entry)
	}
	remaining := make([]string, 0, len(overrides))
	for k := range overrides {
		if used[k] {
			continue
		}
		remaining = append(remaining, k)
	}
	sort.Strings(remaining)
	for _, k := range remaining {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
