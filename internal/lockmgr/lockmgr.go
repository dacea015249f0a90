// Package lockmgr serializes file writes across agents with advisory
// on-disk locks. A lock is a JSON file under <workDir>/.ralphy/locks named
// by the SHA-256 of the normalized absolute path; the atomic exclusive
// create is the linearization point. Locks expire by timestamp and are
// evicted by a periodic staleness sweep, so a crashed holder never blocks
// forever.
package lockmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/danshapiro/ralphy/internal/fsatomic"
)

const (
	// DefaultTimeout is how long a lock stays live without a refresh.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxRetries bounds acquisition attempts under contention.
	DefaultMaxRetries = 5

	// cleanupInterval guards the staleness sweep.
	cleanupInterval = 60 * time.Second

	// maxBackoff caps the contention sleep.
	maxBackoff = 5 * time.Second
)

var processStartMillis = time.Now().UnixMilli()

// LockInfo is the lock file payload.
type LockInfo struct {
	Timestamp    int64  `json:"timestamp"`
	Timeout      int64  `json:"timeout"`
	Owner        string `json:"owner"`
	RefreshCount int    `json:"refreshCount"`
}

func (li *LockInfo) live(now time.Time) bool {
	return now.UnixMilli()-li.Timestamp < li.Timeout
}

// AcquireOptions tune a single acquisition.
type AcquireOptions struct {
	MaxRetries int
	Reentrant  bool
	Timeout    time.Duration
}

// Manager owns the lock directory for one workDir. The in-memory table
// holds locks acquired by this process plus cached observations of live
// foreign locks.
type Manager struct {
	WorkDir string
	Owner   string

	// BaseDelay is the unit for contention backoff. Tests shrink it.
	BaseDelay time.Duration

	// MaxLocks caps the in-memory table before eviction kicks in.
	MaxLocks int

	logger hclog.Logger

	mu          sync.Mutex
	locks       map[string]*LockInfo
	lastCleanup time.Time
}

func NewManager(workDir string, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		WorkDir:   workDir,
		Owner:     fmt.Sprintf("%d-%d", os.Getpid(), processStartMillis),
		BaseDelay: 100 * time.Millisecond,
		MaxLocks:  5000,
		logger:    logger.Named("lockmgr"),
		locks:     map[string]*LockInfo{},
	}
}

// NormalizeLockName converts a path to its canonical lock identity:
// absolute, cleaned, case-folded on Windows.
func NormalizeLockName(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("normalize %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}

func (m *Manager) lockDir() string {
	return filepath.Join(m.WorkDir, ".ralphy", "locks")
}

func (m *Manager) lockFilePath(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(m.lockDir(), hex.EncodeToString(sum[:])+".lock")
}

// Acquire takes the lock for path, retrying with exponential backoff under
// contention. It returns false with a nil error when the lock is held by a
// live owner through all retries.
func (m *Manager) Acquire(ctx context.Context, path string, opts AcquireOptions) (bool, error) {
	name, err := NormalizeLockName(path)
	if err != nil {
		return false, err
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	for attempt := 0; attempt < opts.MaxRetries; {
		m.maybeCleanup()

		acquired, consumed, err := m.tryAcquire(name, opts)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if !consumed {
			// Stale lock was cleared; retry immediately.
			continue
		}
		if attempt == opts.MaxRetries-1 {
			break
		}
		if !sleepWithContext(ctx, m.backoffDelay(attempt)) {
			return false, ctx.Err()
		}
		attempt++
	}
	return false, nil
}

// tryAcquire performs one acquisition pass. consumed reports whether the
// failure should count against the retry budget; clearing a stale lock does
// not consume an attempt.
func (m *Manager) tryAcquire(name string, opts AcquireOptions) (acquired, consumed bool, err error) {
	now := time.Now()

	m.mu.Lock()
	if existing, ok := m.locks[name]; ok {
		if existing.live(now) {
			if existing.Owner == m.Owner && opts.Reentrant {
				existing.Timestamp = now.UnixMilli()
				existing.RefreshCount++
				data, merr := json.Marshal(existing)
				m.mu.Unlock()
				if merr != nil {
					return false, true, merr
				}
				if werr := os.WriteFile(m.lockFilePath(name), data, 0o644); werr != nil {
					return false, true, werr
				}
				return true, false, nil
			}
			m.mu.Unlock()
			return false, true, nil
		}
		delete(m.locks, name)
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.lockDir(), 0o755); err != nil {
		return false, true, err
	}

	info := &LockInfo{
		Timestamp: now.UnixMilli(),
		Timeout:   opts.Timeout.Milliseconds(),
		Owner:     m.Owner,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return false, true, err
	}

	// The payload is staged in a temp file and linked into place so the
	// lock appears atomically with its content: create-or-fail semantics
	// without a window where a reader can observe an empty lock.
	filePath := m.lockFilePath(name)
	tmp, err := os.CreateTemp(m.lockDir(), ".staging-*")
	if err != nil {
		return false, true, err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		if werr == nil {
			werr = cerr
		}
		return false, true, werr
	}
	linkErr := os.Link(tmpName, filePath)
	os.Remove(tmpName)
	if linkErr == nil {
		m.remember(name, info)
		return true, false, nil
	}
	if !os.IsExist(linkErr) {
		return false, true, linkErr
	}

	// Someone holds the file. A dead payload or an expired holder is
	// cleared without consuming an attempt.
	raw, rerr := os.ReadFile(filePath)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return false, false, nil
		}
		return false, true, rerr
	}
	var holder LockInfo
	stale := len(strings.TrimSpace(string(raw))) == 0 ||
		fsatomic.DecodeJSONGuarded(raw, &holder) != nil ||
		!holder.live(now)
	if stale {
		if uerr := os.Remove(filePath); uerr != nil && !os.IsNotExist(uerr) {
			return false, true, uerr
		}
		m.forget(name)
		return false, false, nil
	}

	m.remember(name, &holder)
	return false, true, nil
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.BaseDelay*time.Duration(1<<uint(attempt)) +
		time.Duration(rand.Int63n(50))*time.Millisecond
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func (m *Manager) remember(name string, info *LockInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[name] = info
	m.enforceCeilingLocked()
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
}

// enforceCeilingLocked keeps the table under MaxLocks: expired entries go
// first, then the oldest foreign locks. Locks owned by this process are
// never evicted.
func (m *Manager) enforceCeilingLocked() {
	if m.MaxLocks <= 0 || len(m.locks) <= m.MaxLocks {
		return
	}
	now := time.Now()
	for name, li := range m.locks {
		if !li.live(now) {
			delete(m.locks, name)
		}
	}
	if len(m.locks) <= m.MaxLocks {
		return
	}
	type aged struct {
		name string
		ts   int64
	}
	var foreign []aged
	for name, li := range m.locks {
		if li.Owner != m.Owner {
			foreign = append(foreign, aged{name, li.Timestamp})
		}
	}
	sort.Slice(foreign, func(i, j int) bool { return foreign[i].ts < foreign[j].ts })
	for _, f := range foreign {
		if len(m.locks) <= m.MaxLocks {
			break
		}
		delete(m.locks, f.name)
	}
}

// Release drops the lock if this process owns it. Releasing a lock that is
// not held is a no-op.
func (m *Manager) Release(path string) error {
	name, err := NormalizeLockName(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	existing, ok := m.locks[name]
	if ok && existing.Owner == m.Owner {
		delete(m.locks, name)
		m.mu.Unlock()
		if err := os.Remove(m.lockFilePath(name)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Not tracked in memory; only remove the file when the payload names us.
	raw, err := os.ReadFile(m.lockFilePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var holder LockInfo
	if fsatomic.DecodeJSONGuarded(raw, &holder) != nil || holder.Owner != m.Owner {
		return nil
	}
	if err := os.Remove(m.lockFilePath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AcquireMany acquires every path or none. Paths are deduplicated by
// normalized name and attempted in the given order; on failure, locks taken
// by this call are rolled back. Deadlock avoidance across callers is the
// caller's job; sorting the input lexicographically is the canonical
// strategy.
func (m *Manager) AcquireMany(ctx context.Context, paths []string) (bool, error) {
	seen := map[string]bool{}
	var ordered []string
	for _, p := range paths {
		name, err := NormalizeLockName(p)
		if err != nil {
			return false, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		ordered = append(ordered, p)
	}

	var acquired []string
	for _, p := range ordered {
		ok, err := m.Acquire(ctx, p, AcquireOptions{})
		if err != nil || !ok {
			var merr *multierror.Error
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			for _, held := range acquired {
				if rerr := m.Release(held); rerr != nil {
					merr = multierror.Append(merr, rerr)
				}
			}
			return false, merr.ErrorOrNil()
		}
		acquired = append(acquired, p)
	}
	return true, nil
}

// ReleaseMany releases every path, aggregating failures.
func (m *Manager) ReleaseMany(paths []string) error {
	var merr *multierror.Error
	for _, p := range paths {
		if err := m.Release(p); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// ClearAll unlinks every lock owned by this process and empties the table.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	var owned []string
	for name, li := range m.locks {
		if li.Owner == m.Owner {
			owned = append(owned, name)
		}
	}
	m.locks = map[string]*LockInfo{}
	m.mu.Unlock()

	var merr *multierror.Error
	for _, name := range owned {
		if err := os.Remove(m.lockFilePath(name)); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// CleanupStale removes expired lock files and memory entries, returning how
// many files were unlinked.
func (m *Manager) CleanupStale() (int, error) {
	now := time.Now()

	m.mu.Lock()
	for name, li := range m.locks {
		if !li.live(now) {
			delete(m.locks, name)
		}
	}
	m.lastCleanup = now
	m.mu.Unlock()

	entries, err := os.ReadDir(m.lockDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	var merr *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".staging-") {
			// Abandoned staging file from a crashed acquisition.
			os.Remove(filepath.Join(m.lockDir(), entry.Name()))
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		full := filepath.Join(m.lockDir(), entry.Name())
		raw, rerr := os.ReadFile(full)
		if rerr != nil {
			continue
		}
		var holder LockInfo
		stale := len(strings.TrimSpace(string(raw))) == 0 ||
			fsatomic.DecodeJSONGuarded(raw, &holder) != nil ||
			!holder.live(now)
		if !stale {
			continue
		}
		if uerr := os.Remove(full); uerr != nil && !os.IsNotExist(uerr) {
			merr = multierror.Append(merr, uerr)
			continue
		}
		removed++
	}
	return removed, merr.ErrorOrNil()
}

func (m *Manager) maybeCleanup() {
	m.mu.Lock()
	due := time.Since(m.lastCleanup) >= cleanupInterval
	m.mu.Unlock()
	if !due {
		return
	}
	if _, err := m.CleanupStale(); err != nil {
		m.logger.Warn("stale lock sweep failed", "error", err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
