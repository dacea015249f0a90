package runner

import (
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/danshapiro/ralphy/internal/procutil"
)

// Registry tracks spawned children so the shutdown path can terminate them.
// Graceful termination signals the whole process group, then escalates to a
// forced kill after the grace period.
type Registry struct {
	mu     sync.Mutex
	procs  map[int]*exec.Cmd
	logger hclog.Logger
}

func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{procs: map[int]*exec.Cmd{}, logger: logger}
}

func (g *Registry) add(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.procs[cmd.Process.Pid] = cmd
}

func (g *Registry) remove(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.procs, pid)
}

// Len reports how many children are currently tracked.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.procs)
}

// KillAll terminates every tracked child: graceful signal first, forced kill
// for anything still alive after grace. Safe to call more than once.
func (g *Registry) KillAll(grace time.Duration) error {
	g.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(g.procs))
	for _, cmd := range g.procs {
		procs = append(procs, cmd)
	}
	g.mu.Unlock()

	if len(procs) == 0 {
		return nil
	}

	var merr *multierror.Error
	for _, cmd := range procs {
		if err := killTree(cmd, false); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(procs) {
			return merr.ErrorOrNil()
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, cmd := range procs {
		if cmd.Process == nil || !procutil.PIDAlive(cmd.Process.Pid) {
			continue
		}
		g.logger.Warn("forcing kill after grace period", "pid", cmd.Process.Pid)
		if err := killTree(cmd, true); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func anyAlive(procs []*exec.Cmd) bool {
	for _, cmd := range procs {
		if cmd.Process != nil && procutil.PIDAlive(cmd.Process.Pid) {
			return true
		}
	}
	return false
}
