// Package hashstore is the per-task content-addressed file cache. Content
// lives under <workDir>/.ralphy-hashes/<taskId>/content/<sha256>[.gz] with a
// metadata sibling <sha256>.json; the per-task index maps logical relative
// paths to stored hashes. Identical bytes are stored once, and sibling task
// directories are probed so repeated snapshots across tasks share content.
package hashstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/danshapiro/ralphy/internal/fsatomic"
)

const (
	// DirName is the store root under the project working directory.
	DirName = ".ralphy-hashes"

	// IndexFileName is the per-task index file.
	IndexFileName = ".ralphy-hashes-ref.json"

	// gzipThreshold: files at least this large are compressed.
	gzipThreshold = 1024

	// streamThreshold: files larger than this are hashed by streaming
	// instead of a whole read.
	streamThreshold = 2 << 20

	// pipelineTimeout bounds compression and decompression so a corrupted
	// stream cannot hang a task.
	pipelineTimeout = 30 * time.Second

	// DefaultGCAge is how long an untouched task cache survives.
	DefaultGCAge = 24 * time.Hour
)

// Metadata describes one stored file. Size is the stored byte count (after
// compression when applied); OriginalSize is the source file's.
type Metadata struct {
	OriginalPath string `json:"originalPath"`
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	Mtime        int64  `json:"mtime"`
	Compressed   bool   `json:"compressed"`
	OriginalSize int64  `json:"originalSize"`
	StoredAt     int64  `json:"storedAt"`
	TaskID       string `json:"taskId"`
}

// IndexEntry locates one logical file's content and metadata.
type IndexEntry struct {
	Hash         string `json:"hash"`
	HashPath     string `json:"hashPath"`
	MetadataPath string `json:"metadataPath"`
}

// Index is the per-task table of stored files, serialized after every
// mutation.
type Index struct {
	TaskID    string                `json:"taskId"`
	Files     map[string]IndexEntry `json:"files"`
	CreatedAt int64                 `json:"createdAt"`
	UpdatedAt int64                 `json:"updatedAt"`
}

// Stats summarizes a task's cache.
type Stats struct {
	TotalFiles          int
	TotalOriginalSize   int64
	TotalCompressedSize int64
	UniqueHashes        int
	DedupRatio          float64
}

// Store is the cache for a single task.
type Store struct {
	workDir string
	taskID  string
	logger  hclog.Logger

	mu    sync.Mutex
	index *Index
}

// NewStore opens (or creates) the cache for taskID. An existing index that
// fails the guarded decode is an error, not a silent reset.
func NewStore(workDir, taskID string, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Store{workDir: workDir, taskID: taskID, logger: logger.Named("hashstore")}

	indexPath := s.indexPath()
	if _, err := os.Stat(indexPath); err == nil {
		var idx Index
		if err := fsatomic.ReadJSONGuarded(indexPath, &idx); err != nil {
			return nil, fmt.Errorf("load hash index for task %s: %w", taskID, err)
		}
		if idx.Files == nil {
			idx.Files = map[string]IndexEntry{}
		}
		s.index = &idx
		return s, nil
	}

	now := time.Now().UnixMilli()
	s.index = &Index{
		TaskID:    taskID,
		Files:     map[string]IndexEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s, nil
}

func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func (s *Store) taskDir() string {
	return filepath.Join(s.workDir, DirName, sanitizeComponent(s.taskID))
}

func (s *Store) contentDir() string {
	return filepath.Join(s.taskDir(), "content")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.taskDir(), IndexFileName)
}

// relKey computes the logical index key for path: relative to the workDir
// where possible, slash-separated.
func (s *Store) relKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(s.workDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// HashFile computes the SHA-256 of a file, streaming when it exceeds the
// whole-read threshold.
func HashFile(path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	if info.Size() <= streamThreshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", 0, err
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), info.Size(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}

// AddFile stores path's current content and records it in the index.
// Content already present (in this task or a sibling task directory) is not
// rewritten; metadata always is.
func (s *Store) AddFile(ctx context.Context, path string) (*Metadata, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("add %s: is a directory", path)
	}

	hash, size, err := HashFile(abs)
	if err != nil {
		return nil, err
	}

	compressed := size >= gzipThreshold
	contentName := hash
	if compressed {
		contentName += ".gz"
	}
	contentPath := filepath.Join(s.contentDir(), contentName)
	metadataPath := filepath.Join(s.contentDir(), hash+".json")

	if err := os.MkdirAll(s.contentDir(), 0o755); err != nil {
		return nil, err
	}

	if _, err := os.Stat(contentPath); os.IsNotExist(err) {
		if shared, ok := s.probeSiblingTasks(contentName); ok {
			if err := linkOrCopy(shared, contentPath); err != nil {
				return nil, err
			}
		} else if err := s.writeContent(ctx, abs, contentPath, compressed); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	storedInfo, err := os.Stat(contentPath)
	if err != nil {
		return nil, err
	}

	md := &Metadata{
		OriginalPath: abs,
		Hash:         hash,
		Size:         storedInfo.Size(),
		Mtime:        info.ModTime().UnixMilli(),
		Compressed:   compressed,
		OriginalSize: size,
		StoredAt:     time.Now().UnixMilli(),
		TaskID:       s.taskID,
	}
	if err := fsatomic.WriteJSONAtomic(metadataPath, md); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Files[s.relKey(abs)] = IndexEntry{
		Hash:         hash,
		HashPath:     contentPath,
		MetadataPath: metadataPath,
	}
	s.index.UpdatedAt = time.Now().UnixMilli()
	return md, s.saveIndexLocked()
}

// writeContent stages the content into a temp file and renames it into
// place so a crash never leaves a partial object under a valid hash name.
func (s *Store) writeContent(ctx context.Context, src, dst string, compress bool) error {
	cctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
	defer cancel()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if compress {
		gz, err := gzip.NewWriterLevel(tmp, 6)
		if err != nil {
			cleanup()
			return err
		}
		if err := copyWithContext(cctx, gz, in); err != nil {
			cleanup()
			return err
		}
		if err := gz.Close(); err != nil {
			cleanup()
			return err
		}
	} else if err := copyWithContext(cctx, tmp, in); err != nil {
		cleanup()
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// probeSiblingTasks looks for the same content object under other task
// directories in this store root.
func (s *Store) probeSiblingTasks(contentName string) (string, bool) {
	root := filepath.Join(s.workDir, DirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	self := sanitizeComponent(s.taskID)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == self {
			continue
		}
		candidate := filepath.Join(root, entry.Name(), "content", contentName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline timed out: %w", err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (s *Store) saveIndexLocked() error {
	return fsatomic.WriteJSONAtomic(s.indexPath(), s.index)
}

// Has reports whether path is indexed.
func (s *Store) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index.Files[s.relKey(path)]
	return ok
}

// GetHash returns the recorded hash for path.
func (s *Store) GetHash(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.index.Files[s.relKey(path)]
	if !ok {
		return "", false
	}
	return entry.Hash, true
}

// HasChanged recomputes path's hash and compares it with the stored one.
// Unindexed paths report changed.
func (s *Store) HasChanged(path string) (bool, error) {
	stored, ok := s.GetHash(path)
	if !ok {
		return true, nil
	}
	current, _, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return current != stored, nil
}

// GetFile loads the stored content and metadata for path, decompressing as
// needed.
func (s *Store) GetFile(ctx context.Context, path string) ([]byte, *Metadata, error) {
	s.mu.Lock()
	entry, ok := s.index.Files[s.relKey(path)]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%s not in hash store", path)
	}

	var md Metadata
	if err := fsatomic.ReadJSONGuarded(entry.MetadataPath, &md); err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(entry.HashPath)
	if err != nil {
		return nil, nil, err
	}
	if !md.Compressed {
		return raw, &md, nil
	}

	cctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
	defer cancel()
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("open gzip stream for %s: %w", path, err)
	}
	defer gz.Close()
	var out bytes.Buffer
	if err := copyWithContext(cctx, &out, gz); err != nil {
		return nil, nil, err
	}
	return out.Bytes(), &md, nil
}

// Files returns the indexed logical paths, sorted.
func (s *Store) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index.Files))
	for k := range s.index.Files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetStats reads every entry's metadata and aggregates cache totals.
func (s *Store) GetStats() (Stats, error) {
	s.mu.Lock()
	entries := make([]IndexEntry, 0, len(s.index.Files))
	for _, e := range s.index.Files {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	stats := Stats{TotalFiles: len(entries)}
	unique := map[string]bool{}
	for _, entry := range entries {
		unique[entry.Hash] = true
		var md Metadata
		if err := fsatomic.ReadJSONGuarded(entry.MetadataPath, &md); err != nil {
			return stats, err
		}
		stats.TotalOriginalSize += md.OriginalSize
		stats.TotalCompressedSize += md.Size
	}
	stats.UniqueHashes = len(unique)
	if stats.TotalFiles > 0 {
		stats.DedupRatio = 1 - float64(stats.UniqueHashes)/float64(stats.TotalFiles)
	}
	return stats, nil
}

// Cleanup removes this task's entire cache directory.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Files = map[string]IndexEntry{}
	return os.RemoveAll(s.taskDir())
}

// GC removes task caches whose index has not been updated within maxAge.
// Directories without a readable index are removed once their own mtime
// passes the age bar.
func GC(workDir string, maxAge time.Duration, logger hclog.Logger) (int, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if maxAge <= 0 {
		maxAge = DefaultGCAge
	}
	root := filepath.Join(workDir, DirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var merr *multierror.Error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		expired := false

		var idx Index
		if err := fsatomic.ReadJSONGuarded(filepath.Join(dir, IndexFileName), &idx); err == nil {
			expired = time.UnixMilli(idx.UpdatedAt).Before(cutoff)
		} else if info, serr := entry.Info(); serr == nil {
			expired = info.ModTime().Before(cutoff)
		}

		if !expired {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		logger.Debug("removed expired task cache", "task_dir", entry.Name())
		removed++
	}
	return removed, merr.ErrorOrNil()
}
