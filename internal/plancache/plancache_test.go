package plancache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T, dir string) *Cache {
	t.Helper()
	c, err := NewCache(dir, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	c.MemoTTL = 0
	return c
}

func seedRepo(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/app\n"), 0o644); err != nil {
		t.Fatalf("seed go.mod: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "internal"), 0o755); err != nil {
		t.Fatalf("seed internal dir: %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seedRepo(t, dir)
	c := newTestCache(t, dir)

	files := []string{"internal/app.go", "internal/app_test.go"}
	if err := c.Put("42", "Add login", files); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get("42", "Add login")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if len(got) != 2 || got[0] != files[0] || got[1] != files[1] {
		t.Fatalf("files: got %v want %v", got, files)
	}

	if _, ok := c.Get("42", "Different title"); ok {
		t.Fatalf("different title must miss")
	}
}

func TestManifestEditInvalidates(t *testing.T) {
	dir := t.TempDir()
	seedRepo(t, dir)
	c := newTestCache(t, dir)

	if err := c.Put("1", "Task", []string{"a.go"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := c.Get("1", "Task"); !ok {
		t.Fatalf("expected hit before manifest edit")
	}

	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/app\n\nrequire x.y/z v1.0.0\n"), 0o644); err != nil {
		t.Fatalf("edit go.mod: %v", err)
	}
	if _, ok := c.Get("1", "Task"); ok {
		t.Fatalf("manifest edit must invalidate the entry")
	}
}

func TestTopLevelDirChangeInvalidates(t *testing.T) {
	dir := t.TempDir()
	seedRepo(t, dir)
	c := newTestCache(t, dir)

	if err := c.Put("1", "Task", []string{"a.go"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "newpkg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, ok := c.Get("1", "Task"); ok {
		t.Fatalf("new top-level directory must invalidate the entry")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	seedRepo(t, dir)
	c1 := newTestCache(t, dir)
	if err := c1.Put("7", "Persisted", []string{"x.go"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c2 := newTestCache(t, dir)
	got, ok := c2.Get("7", "Persisted")
	if !ok {
		t.Fatalf("expected hit after reopen")
	}
	if len(got) != 1 || got[0] != "x.go" {
		t.Fatalf("files: got %v", got)
	}

	// The persisted file is gzip.
	raw, err := os.ReadFile(c2.path())
	if err != nil {
		t.Fatalf("read cache file: %v", err)
	}
	if _, err := gzip.NewReader(bytes.NewReader(raw)); err != nil {
		t.Fatalf("cache file is not gzip: %v", err)
	}
}

func TestLegacyPlainFileAcceptedThenReplaced(t *testing.T) {
	dir := t.TempDir()
	seedRepo(t, dir)

	// Build a legacy plain-JSON cache with a currently-valid fingerprint.
	c1 := newTestCache(t, dir)
	fp, err := c1.CurrentFingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	legacy := map[string]Entry{
		cacheKey("9", "Old task"): {Files: []string{"legacy.go"}, Timestamp: 1, Fingerprint: fp},
	}
	data, _ := json.Marshal(legacy)
	if err := os.MkdirAll(filepath.Join(dir, ".ralphy"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".ralphy", "planning-cache.json"), data, 0o644); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}

	c2 := newTestCache(t, dir)
	got, ok := c2.Get("9", "Old task")
	if !ok || len(got) != 1 || got[0] != "legacy.go" {
		t.Fatalf("legacy entry not loaded: ok=%v files=%v", ok, got)
	}

	if err := c2.Put("10", "New task", []string{"new.go"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".ralphy", "planning-cache.json")); !os.IsNotExist(err) {
		t.Fatalf("legacy file should be deleted after save")
	}
	if _, err := os.Stat(c2.path()); err != nil {
		t.Fatalf("gzip cache missing after save: %v", err)
	}
}

func TestFingerprintMemoization(t *testing.T) {
	dir := t.TempDir()
	seedRepo(t, dir)
	c := newTestCache(t, dir)
	c.MemoTTL = DefaultMemoTTL

	fp1, err := c.CurrentFingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	// Mutate the repo; the memoized fingerprint must still be served
	// within the TTL.
	if err := os.MkdirAll(filepath.Join(dir, "sneaky"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fp2, err := c.CurrentFingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1.DirHash != fp2.DirHash {
		t.Fatalf("memoized fingerprint recomputed within TTL")
	}

	c.MemoTTL = 0
	fp3, err := c.CurrentFingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1.DirHash == fp3.DirHash {
		t.Fatalf("fingerprint should change after directory addition")
	}
}

func TestClearAndInvalidate(t *testing.T) {
	dir := t.TempDir()
	seedRepo(t, dir)
	c := newTestCache(t, dir)

	if err := c.Put("1", "A", []string{"a.go"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put("2", "B", []string{"b.go"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := c.Invalidate("1", "A"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := c.Get("1", "A"); ok {
		t.Fatalf("invalidated entry still served")
	}
	if _, ok := c.Get("2", "B"); !ok {
		t.Fatalf("unrelated entry lost")
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("entries after clear: got %d want 0", c.Len())
	}
}
