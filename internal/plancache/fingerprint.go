package plancache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// keyManifests are the files whose content participates in the repo
// fingerprint. A change to any of them means previous planning output can
// no longer be trusted.
var keyManifests = []string{
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	"go.mod",
	"requirements.txt",
	"pnpm-lock.yaml",
	"package-lock.json",
	"yarn.lock",
}

// FileState memoizes one manifest's identity so unchanged files are not
// re-read on every fingerprint.
type FileState struct {
	Mtime int64  `json:"mtime"`
	Size  int64  `json:"size"`
	Hash  string `json:"hash"`
}

// Fingerprint summarizes the repository's manifest set and top-level
// layout. Two fingerprints match iff their DirHash is equal.
type Fingerprint struct {
	FileStates map[string]FileState `json:"fileStates"`
	DirHash    string               `json:"dirHash"`
	Timestamp  int64                `json:"timestamp"`
}

// Matches reports whether two fingerprints describe the same repo state.
func (f *Fingerprint) Matches(other *Fingerprint) bool {
	if f == nil || other == nil {
		return false
	}
	return f.DirHash == other.DirHash
}

// computeFingerprint builds the repo fingerprint, reusing memoized file
// hashes when a manifest's (mtime, size) pair is unchanged.
func (c *Cache) computeFingerprint() (*Fingerprint, error) {
	states := map[string]FileState{}
	for _, name := range keyManifests {
		full := filepath.Join(c.workDir, name)
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		mtime := info.ModTime().UnixMilli()
		size := info.Size()
		if memo, ok := c.fileMemo[name]; ok && memo.Mtime == mtime && memo.Size == size {
			states[name] = memo
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		state := FileState{Mtime: mtime, Size: size, Hash: hex.EncodeToString(sum[:])}
		c.fileMemo[name] = state
		states[name] = state
	}

	entries, err := os.ReadDir(c.workDir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)

	pairs := make([]string, 0, len(states))
	for name, state := range states {
		pairs = append(pairs, name+":"+state.Hash)
	}
	sort.Strings(pairs)

	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	for _, d := range dirs {
		h.Write([]byte("dir:" + d))
		h.Write([]byte{'\n'})
	}

	return &Fingerprint{
		FileStates: states,
		DirHash:    hex.EncodeToString(h.Sum(nil)),
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// CurrentFingerprint returns the repo fingerprint, memoized for MemoTTL.
func (c *Cache) CurrentFingerprint() (*Fingerprint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentFingerprintLocked()
}

func (c *Cache) currentFingerprintLocked() (*Fingerprint, error) {
	if c.fpMemo != nil && time.Since(c.fpMemoAt) < c.MemoTTL {
		return c.fpMemo, nil
	}
	fp, err := c.computeFingerprint()
	if err != nil {
		return nil, err
	}
	c.fpMemo = fp
	c.fpMemoAt = time.Now()
	return fp, nil
}
