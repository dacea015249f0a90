// Package taskstate is the durable source of truth for task lifecycle. It
// persists a versioned schema atomically next to the work directory, in the
// same format family as the task source file, and enforces the transition
// rules of the task state machine. Claim is the only path into running; all
// other transitions go through Transition, RecordFailure, or Reset.
package taskstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/ralphy/internal/fsatomic"
	"github.com/danshapiro/ralphy/internal/tasksource"
)

// SchemaVersion is the only version this build reads and writes.
const SchemaVersion = 1

// State is one lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDeferred  State = "deferred"
	StateSkipped   State = "skipped"
)

func (s State) valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateDeferred, StateSkipped:
		return true
	}
	return false
}

// ExecutionContext records where a task ran.
type ExecutionContext struct {
	Branch   string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Worktree string `json:"worktree,omitempty" yaml:"worktree,omitempty"`
	Sandbox  string `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
}

// Entry is the durable record for one task. AttemptCount is meaningful only
// within a process lifetime; the persisted value is informational and reset
// to zero on load. LastAttemptTime is epoch milliseconds.
type Entry struct {
	ID              string            `json:"id" yaml:"id"`
	Title           string            `json:"title" yaml:"title"`
	State           State             `json:"state" yaml:"state"`
	AttemptCount    int               `json:"attemptCount" yaml:"attemptCount"`
	LastAttemptTime int64             `json:"lastAttemptTime,omitempty" yaml:"lastAttemptTime,omitempty"`
	ErrorHistory    []string          `json:"errorHistory" yaml:"errorHistory"`
	Context         *ExecutionContext `json:"executionContext,omitempty" yaml:"executionContext,omitempty"`
}

func (e *Entry) clone() Entry {
	out := *e
	out.ErrorHistory = append([]string(nil), e.ErrorHistory...)
	if e.Context != nil {
		c := *e.Context
		out.Context = &c
	}
	return out
}

type fileSchema struct {
	Version     int              `json:"version" yaml:"version"`
	LastUpdated string           `json:"lastUpdated" yaml:"lastUpdated"`
	Tasks       map[string]Entry `json:"tasks" yaml:"tasks"`
}

// StateFilePath returns where the state file for a source format lives.
func StateFilePath(workDir string, format tasksource.Format) string {
	return filepath.Join(workDir, ".ralphy", "task-state."+format.Ext())
}

// Manager owns the state file. All mutations persist before returning;
// callers therefore observe disk and memory in agreement.
type Manager struct {
	path       string
	format     tasksource.Format
	sourceType string
	sourcePath string
	logger     hclog.Logger

	mu    sync.Mutex
	tasks map[string]*Entry
}

// NewManager opens (or prepares) the state file for the given source. Any
// entry found running is downgraded to pending with a zeroed attempt count;
// a crashed process cannot leave tasks wedged.
func NewManager(workDir string, src *tasksource.Source, logger hclog.Logger) (*Manager, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m := &Manager{
		path:       StateFilePath(workDir, src.Format),
		format:     src.Format,
		sourceType: string(src.Format),
		sourcePath: src.Path,
		logger:     logger.Named("taskstate"),
		tasks:      map[string]*Entry{},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the state file location.
func (m *Manager) Path() string { return m.path }

// Key returns the durable key for a task id.
func (m *Manager) Key(id string) string {
	return m.sourceType + ":" + m.sourcePath + ":" + id
}

func forbiddenName(s string) bool {
	return s == "__proto__" || s == "constructor" || s == "prototype"
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	doc, err := decodeState(data, m.format)
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	if doc.Version != SchemaVersion {
		return fmt.Errorf("load task state: unsupported version %d (want %d)", doc.Version, SchemaVersion)
	}
	for k, e := range doc.Tasks {
		if forbiddenName(k) || forbiddenName(e.ID) {
			return fmt.Errorf("load task state: forbidden key %q", k)
		}
		if !e.State.valid() {
			return fmt.Errorf("load task state: invalid state %q for %q", e.State, k)
		}
		entry := e
		entry.AttemptCount = 0
		if entry.State == StateRunning {
			entry.State = StatePending
			m.logger.Debug("recovered task left running", "key", k)
		}
		if entry.ErrorHistory == nil {
			entry.ErrorHistory = []string{}
		}
		m.tasks[k] = &entry
	}
	return nil
}

func (m *Manager) saveLocked() error {
	doc := fileSchema{
		Version:     SchemaVersion,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Tasks:       make(map[string]Entry, len(m.tasks)),
	}
	for k, e := range m.tasks {
		doc.Tasks[k] = *e
	}
	data, err := encodeState(&doc, m.format)
	if err != nil {
		return err
	}
	return fsatomic.WriteFileAtomic(m.path, data, 0o644)
}

// Initialize merges the current source task list with the stored set.
// Stored entries with no matching source task are dropped; new source tasks
// enter as pending. The source's completed flag wins in both directions so
// hand-edited checkmarks are honored on the next run.
func (m *Manager) Initialize(tasks []tasksource.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Entry, len(tasks))
	for _, t := range tasks {
		k := m.Key(t.ID)
		if old, ok := m.tasks[k]; ok {
			old.Title = t.Title
			switch {
			case t.Completed && old.State != StateCompleted:
				old.State = StateCompleted
			case !t.Completed && old.State == StateCompleted:
				old.State = StatePending
				old.AttemptCount = 0
			}
			next[k] = old
			continue
		}
		st := StatePending
		if t.Completed {
			st = StateCompleted
		}
		next[k] = &Entry{ID: t.ID, Title: t.Title, State: st, ErrorHistory: []string{}}
	}
	m.tasks = next
	return m.saveLocked()
}

// Claim transitions a pending task to running, counting the attempt. It
// returns false without error when the task is in any other state, so
// concurrent claimers see exactly one winner.
func (m *Manager) Claim(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[m.Key(id)]
	if !ok {
		return false, fmt.Errorf("task state: unknown task %q", id)
	}
	if e.State != StatePending {
		return false, nil
	}
	e.State = StateRunning
	e.AttemptCount++
	e.LastAttemptTime = time.Now().UnixMilli()
	if err := m.saveLocked(); err != nil {
		e.State = StatePending
		e.AttemptCount--
		return false, err
	}
	m.logger.Debug("claimed task", "id", id, "attempt", e.AttemptCount)
	return true, nil
}

// Transition moves a task to an arbitrary state, appending errMsg to its
// error history when non-empty. Executors use it to report terminal
// outcomes; it performs no state-machine gating.
func (m *Manager) Transition(id string, to State, errMsg string) error {
	if !to.valid() {
		return fmt.Errorf("task state: invalid state %q", to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[m.Key(id)]
	if !ok {
		return fmt.Errorf("task state: unknown task %q", id)
	}
	prev := e.State
	prevHist := len(e.ErrorHistory)
	e.State = to
	if errMsg != "" {
		e.ErrorHistory = append(e.ErrorHistory, errMsg)
	}
	if err := m.saveLocked(); err != nil {
		e.State = prev
		e.ErrorHistory = e.ErrorHistory[:prevHist]
		return err
	}
	m.logger.Debug("task transition", "id", id, "from", prev, "to", to)
	return nil
}

// RecordFailure routes a failed execution: back to pending while attempts
// remain, to failed once the attempt budget is spent. The attempt itself was
// counted by Claim. Returns the resulting state.
func (m *Manager) RecordFailure(id, errMsg string, maxAttempts int) (State, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[m.Key(id)]
	if !ok {
		return "", fmt.Errorf("task state: unknown task %q", id)
	}
	to := StatePending
	if e.AttemptCount >= maxAttempts {
		to = StateFailed
	}
	prev := e.State
	prevHist := len(e.ErrorHistory)
	e.State = to
	if errMsg != "" {
		e.ErrorHistory = append(e.ErrorHistory, errMsg)
	}
	if err := m.saveLocked(); err != nil {
		e.State = prev
		e.ErrorHistory = e.ErrorHistory[:prevHist]
		return "", err
	}
	m.logger.Debug("recorded failure", "id", id, "attempts", e.AttemptCount, "state", to)
	return to, nil
}

// Reset returns a failed or skipped task to pending with a fresh attempt
// budget.
func (m *Manager) Reset(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[m.Key(id)]
	if !ok {
		return fmt.Errorf("task state: unknown task %q", id)
	}
	if e.State != StateFailed && e.State != StateSkipped {
		return fmt.Errorf("task state: cannot reset task %q from %s", id, e.State)
	}
	prev := e.State
	prevAttempts := e.AttemptCount
	e.State = StatePending
	e.AttemptCount = 0
	if err := m.saveLocked(); err != nil {
		e.State = prev
		e.AttemptCount = prevAttempts
		return err
	}
	return nil
}

// SetContext records where a task is executing.
func (m *Manager) SetContext(id string, ctx ExecutionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[m.Key(id)]
	if !ok {
		return fmt.Errorf("task state: unknown task %q", id)
	}
	prev := e.Context
	e.Context = &ctx
	if err := m.saveLocked(); err != nil {
		e.Context = prev
		return err
	}
	return nil
}

// Get returns a copy of the entry for id.
func (m *Manager) Get(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[m.Key(id)]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// All returns copies of every entry, ordered by key.
func (m *Manager) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.tasks))
	for k := range m.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.tasks[k].clone())
	}
	return out
}

// CountByState tallies entries per state.
func (m *Manager) CountByState() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[State]int{}
	for _, e := range m.tasks {
		out[e.State]++
	}
	return out
}
