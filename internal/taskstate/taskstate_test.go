package taskstate

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danshapiro/ralphy/internal/tasksource"
)

func testSource(t *testing.T, ext string) *tasksource.Source {
	t.Helper()
	src, err := tasksource.Open(filepath.Join("testdata", "tasks."+ext))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return src
}

func twoTasks() []tasksource.Task {
	return []tasksource.Task{
		{ID: "1", Title: "Add login"},
		{ID: "2", Title: "Fix bug"},
	}
}

func TestInitializeAndClaim(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testSource(t, "csv"), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Initialize(twoTasks()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ok, err := m.Claim("1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatalf("first claim should win")
	}
	ok, err = m.Claim("1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Fatalf("claim on running task must return false")
	}

	e, found := m.Get("1")
	if !found {
		t.Fatalf("entry missing")
	}
	if e.State != StateRunning {
		t.Fatalf("state: got %s want %s", e.State, StateRunning)
	}
	if e.AttemptCount != 1 {
		t.Fatalf("attempts: got %d want 1", e.AttemptCount)
	}
	if e.LastAttemptTime == 0 {
		t.Fatalf("lastAttemptTime not set")
	}

	if _, err := m.Claim("nope"); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}

func TestClaimSingleWinner(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testSource(t, "json"), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Initialize(twoTasks()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var wg sync.WaitGroup
	wins := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Claim("2")
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("winners: got %d want 1", n)
	}
}

func TestFailureRouting(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testSource(t, "yaml"), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Initialize(twoTasks()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if ok, _ := m.Claim("1"); !ok {
		t.Fatalf("claim failed")
	}
	st, err := m.RecordFailure("1", "first boom", 2)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if st != StatePending {
		t.Fatalf("state after attempt 1: got %s want %s", st, StatePending)
	}

	if ok, _ := m.Claim("1"); !ok {
		t.Fatalf("reclaim failed")
	}
	st, err = m.RecordFailure("1", "second boom", 2)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if st != StateFailed {
		t.Fatalf("state after attempt 2: got %s want %s", st, StateFailed)
	}

	e, _ := m.Get("1")
	if len(e.ErrorHistory) != 2 || e.ErrorHistory[0] != "first boom" || e.ErrorHistory[1] != "second boom" {
		t.Fatalf("errorHistory: got %v", e.ErrorHistory)
	}

	if err := m.Reset("1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	e, _ = m.Get("1")
	if e.State != StatePending || e.AttemptCount != 0 {
		t.Fatalf("after reset: got state=%s attempts=%d", e.State, e.AttemptCount)
	}

	if err := m.Reset("2"); err == nil {
		t.Fatalf("reset from pending must fail")
	}
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	src := testSource(t, "json")
	m1, err := NewManager(dir, src, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m1.Initialize(twoTasks()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if ok, _ := m1.Claim("1"); !ok {
		t.Fatalf("claim failed")
	}

	// A fresh manager stands in for a restarted process.
	m2, err := NewManager(dir, src, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	e, ok := m2.Get("1")
	if !ok {
		t.Fatalf("entry missing after restart")
	}
	if e.State != StatePending {
		t.Fatalf("state after restart: got %s want %s", e.State, StatePending)
	}
	if e.AttemptCount != 0 {
		t.Fatalf("attempts after restart: got %d want 0", e.AttemptCount)
	}
}

func TestInitializeMerge(t *testing.T) {
	dir := t.TempDir()
	src := testSource(t, "yaml")
	m, err := NewManager(dir, src, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Initialize(twoTasks()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Transition("1", StateCompleted, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Task 1 disappears from the source; task 3 is new.
	if err := m.Initialize([]tasksource.Task{
		{ID: "2", Title: "Fix bug (renamed)"},
		{ID: "3", Title: "New work"},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, ok := m.Get("1"); ok {
		t.Fatalf("dropped task still present")
	}
	e, _ := m.Get("2")
	if e.Title != "Fix bug (renamed)" {
		t.Fatalf("title not refreshed: %q", e.Title)
	}
	e, _ = m.Get("3")
	if e.State != StatePending {
		t.Fatalf("new task state: got %s want %s", e.State, StatePending)
	}
}

func TestSourceCompletionWins(t *testing.T) {
	dir := t.TempDir()
	src := testSource(t, "md")
	m, err := NewManager(dir, src, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Initialize([]tasksource.Task{{ID: "1", Title: "A"}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := m.Initialize([]tasksource.Task{{ID: "1", Title: "A", Completed: true}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	e, _ := m.Get("1")
	if e.State != StateCompleted {
		t.Fatalf("checked box: got %s want %s", e.State, StateCompleted)
	}

	if err := m.Initialize([]tasksource.Task{{ID: "1", Title: "A"}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	e, _ = m.Get("1")
	if e.State != StatePending || e.AttemptCount != 0 {
		t.Fatalf("unchecked box: got state=%s attempts=%d", e.State, e.AttemptCount)
	}
}

func TestPersistenceAllFormats(t *testing.T) {
	for _, ext := range []string{"csv", "yaml", "json", "md"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			src := testSource(t, ext)
			m1, err := NewManager(dir, src, nil)
			if err != nil {
				t.Fatalf("NewManager: %v", err)
			}
			tasks := []tasksource.Task{
				{ID: "1", Title: `Tricky "title" with, | pipes`},
				{ID: "2", Title: "Plain"},
			}
			if err := m1.Initialize(tasks); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if ok, _ := m1.Claim("1"); !ok {
				t.Fatalf("claim failed")
			}
			if _, err := m1.RecordFailure("1", "exec: boom | bang", 3); err != nil {
				t.Fatalf("RecordFailure: %v", err)
			}
			if err := m1.SetContext("2", ExecutionContext{Branch: "main"}); err != nil {
				t.Fatalf("SetContext: %v", err)
			}

			m2, err := NewManager(dir, src, nil)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			e, ok := m2.Get("1")
			if !ok {
				t.Fatalf("entry 1 missing")
			}
			if e.Title != tasks[0].Title {
				t.Fatalf("title: got %q want %q", e.Title, tasks[0].Title)
			}
			if e.State != StatePending {
				t.Fatalf("state: got %s want %s", e.State, StatePending)
			}
			if len(e.ErrorHistory) != 1 || e.ErrorHistory[0] != "exec: boom | bang" {
				t.Fatalf("errorHistory: got %v", e.ErrorHistory)
			}
			e, _ = m2.Get("2")
			if e.Context == nil || e.Context.Branch != "main" {
				t.Fatalf("context: got %+v", e.Context)
			}
		})
	}
}

func TestForbiddenKeyRejected(t *testing.T) {
	dir := t.TempDir()
	src := testSource(t, "json")
	path := StateFilePath(dir, src.Format)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	poisoned := `{"version":1,"lastUpdated":"2026-01-01T00:00:00Z","tasks":{"__proto__":{"id":"1","title":"x","state":"pending","attemptCount":0,"errorHistory":[]}}}`
	if err := os.WriteFile(path, []byte(poisoned), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewManager(dir, src, nil); err == nil {
		t.Fatalf("expected error for forbidden key")
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	src := testSource(t, "json")
	path := StateFilePath(dir, src.Format)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	future := `{"version":2,"lastUpdated":"2026-01-01T00:00:00Z","tasks":{}}`
	if err := os.WriteFile(path, []byte(future), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := NewManager(dir, src, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestTransitionValidation(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testSource(t, "csv"), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Initialize(twoTasks()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := m.Transition("1", State("exploded"), ""); err == nil {
		t.Fatalf("expected error for invalid state")
	}
	if err := m.Transition("1", StateDeferred, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	counts := m.CountByState()
	if counts[StateDeferred] != 1 || counts[StatePending] != 1 {
		t.Fatalf("counts: got %v", counts)
	}
}

func TestStateFilePath(t *testing.T) {
	got := StateFilePath("/work", tasksource.FormatMarkdown)
	want := filepath.Join("/work", ".ralphy", "task-state.md")
	if got != want {
		t.Fatalf("path: got %q want %q", got, want)
	}
}
