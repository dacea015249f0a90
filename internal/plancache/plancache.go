// Package plancache persists planner output keyed by task so an unchanged
// repository skips the planning engine call entirely. Entries are validated
// against a repo fingerprint: any manifest edit or top-level layout change
// invalidates them.
package plancache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/ralphy/internal/fsatomic"
)

const (
	// FileName is the persisted cache (gzipped JSON) under .ralphy.
	FileName = "planning-cache.json.gz"

	// legacyFileName is the uncompressed form older versions wrote. It is
	// still read, then deleted on the next save.
	legacyFileName = "planning-cache.json"

	// DefaultMemoTTL is how long a computed fingerprint is reused.
	DefaultMemoTTL = 60 * time.Second
)

// Entry is one cached plan.
type Entry struct {
	Files       []string     `json:"files"`
	Timestamp   int64        `json:"timestamp"`
	Fingerprint *Fingerprint `json:"repoFingerprint"`
}

// Cache is the planning cache for one workDir.
type Cache struct {
	// MemoTTL controls fingerprint memoization. Tests set it to zero to
	// force recomputation.
	MemoTTL time.Duration

	workDir string
	logger  hclog.Logger

	mu       sync.Mutex
	entries  map[string]Entry
	fileMemo map[string]FileState
	fpMemo   *Fingerprint
	fpMemoAt time.Time
}

// NewCache opens the cache for workDir, loading the persisted file if one
// exists. The gzipped form wins; the legacy plain JSON is accepted and
// replaced on the next save.
func NewCache(workDir string, logger hclog.Logger) (*Cache, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Cache{
		MemoTTL:  DefaultMemoTTL,
		workDir:  workDir,
		logger:   logger.Named("plancache"),
		entries:  map[string]Entry{},
		fileMemo: map[string]FileState{},
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) path() string {
	return filepath.Join(c.workDir, ".ralphy", FileName)
}

func (c *Cache) legacyPath() string {
	return filepath.Join(c.workDir, ".ralphy", legacyFileName)
}

func (c *Cache) load() error {
	if raw, err := os.ReadFile(c.path()); err == nil {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("open planning cache: %w", err)
		}
		defer gz.Close()
		data, err := io.ReadAll(io.LimitReader(gz, 64<<20))
		if err != nil {
			return fmt.Errorf("read planning cache: %w", err)
		}
		return fsatomic.DecodeJSONGuarded(data, &c.entries)
	} else if !os.IsNotExist(err) {
		return err
	}

	raw, err := os.ReadFile(c.legacyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return fsatomic.DecodeJSONGuarded(raw, &c.entries)
}

func (c *Cache) saveLocked() error {
	data, err := json.Marshal(c.entries)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, 6)
	if err != nil {
		return err
	}
	if _, err := gz.Write(data); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := fsatomic.WriteFileAtomic(c.path(), buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Remove(c.legacyPath()); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("remove legacy planning cache", "error", err)
	}
	return nil
}

func cacheKey(taskID, title string) string {
	raw := taskID + ":" + title
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Get returns the cached planned files for the task when the entry's
// fingerprint still matches the repository.
func (c *Cache) Get(taskID, title string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(taskID, title)]
	if !ok {
		return nil, false
	}
	current, err := c.currentFingerprintLocked()
	if err != nil {
		c.logger.Warn("fingerprint failed; treating cache entry as stale", "error", err)
		return nil, false
	}
	if !current.Matches(entry.Fingerprint) {
		return nil, false
	}
	files := make([]string, len(entry.Files))
	copy(files, entry.Files)
	return files, true
}

// Put stores the planned files under the task key with the current
// fingerprint and persists the cache.
func (c *Cache) Put(taskID, title string, files []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp, err := c.currentFingerprintLocked()
	if err != nil {
		return err
	}
	stored := make([]string, len(files))
	copy(stored, files)
	c.entries[cacheKey(taskID, title)] = Entry{
		Files:       stored,
		Timestamp:   time.Now().UnixMilli(),
		Fingerprint: fp,
	}
	return c.saveLocked()
}

// Invalidate drops one task's entry.
func (c *Cache) Invalidate(taskID, title string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(taskID, title))
	return c.saveLocked()
}

// Clear drops every entry and persists the empty cache.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]Entry{}
	return c.saveLocked()
}

// Len reports how many entries are cached, valid or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
