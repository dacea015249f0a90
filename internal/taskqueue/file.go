package taskqueue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/ralphy/internal/fsatomic"
)

// FileOptions tune snapshot persistence. Zero values select the defaults.
type FileOptions struct {
	// DebounceDelay is how long after the last mutation a save fires.
	DebounceDelay time.Duration
	// FlushInterval is the periodic safety-net save.
	FlushInterval time.Duration
	// MinSaveInterval bounds how often the snapshot is actually written.
	MinSaveInterval time.Duration
}

func (o *FileOptions) defaults() {
	if o.DebounceDelay <= 0 {
		o.DebounceDelay = 100 * time.Millisecond
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.MinSaveInterval <= 0 {
		o.MinSaveInterval = time.Second
	}
}

type fileSnapshot struct {
	Version  int               `json:"version"`
	SavedAt  string            `json:"savedAt"`
	Checksum string            `json:"checksum"`
	Items    map[string][]Item `json:"items"`
}

// File wraps the memory backend and persists debounced JSON snapshots via
// temp-file-rename. Snapshots carry a BLAKE3 checksum over the partition
// payload; a snapshot that fails verification is rejected on load rather
// than silently truncating the queue.
type File struct {
	mem    *Memory
	path   string
	opts   FileOptions
	logger hclog.Logger

	mu       sync.Mutex
	dirty    bool
	lastSave time.Time
	timer    *time.Timer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewFile opens the file-backed queue at path, restoring any snapshot.
// Items that were running when the snapshot was taken come back as pending.
func NewFile(path string, opts FileOptions, logger hclog.Logger) (*File, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	opts.defaults()
	q := &File{
		mem:    NewMemory(),
		path:   path,
		opts:   opts,
		logger: logger.Named("taskqueue"),
		done:   make(chan struct{}),
	}
	if err := q.load(); err != nil {
		return nil, err
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTicker(q.opts.FlushInterval)
		defer t.Stop()
		for {
			select {
			case <-q.done:
				return
			case <-t.C:
				q.flush()
			}
		}
	}()
	return q, nil
}

func checksumItems(items map[string][]Item) (string, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (q *File) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap fileSnapshot
	if err := fsatomic.DecodeJSONGuarded(data, &snap); err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	if snap.Version != 1 {
		return fmt.Errorf("load queue snapshot: unsupported version %d", snap.Version)
	}
	sum, err := checksumItems(snap.Items)
	if err != nil {
		return err
	}
	if sum != snap.Checksum {
		return fmt.Errorf("load queue snapshot: checksum mismatch (snapshot corrupt)")
	}

	for _, part := range partitions {
		for i := range snap.Items[part] {
			item := snap.Items[part][i]
			target := part
			if part == partRunning {
				item.StartedAt = 0
				target = partPending
			}
			if err := q.mem.place(&item, target); err != nil {
				return fmt.Errorf("load queue snapshot: %w", err)
			}
		}
	}
	return nil
}

func (q *File) saveNow() error {
	items := q.mem.snapshotItems()
	sum, err := checksumItems(items)
	if err != nil {
		return err
	}
	snap := fileSnapshot{
		Version:  1,
		SavedAt:  time.Now().UTC().Format(time.RFC3339),
		Checksum: sum,
		Items:    items,
	}
	return fsatomic.WriteJSONAtomic(q.path, &snap)
}

func (q *File) markDirty() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirty = true
	if q.timer == nil {
		q.timer = time.AfterFunc(q.opts.DebounceDelay, q.flush)
		return
	}
	q.timer.Reset(q.opts.DebounceDelay)
}

// flush writes the snapshot if there are unsaved mutations and the minimum
// save interval has passed; otherwise it reschedules itself.
func (q *File) flush() {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return
	}
	if wait := q.opts.MinSaveInterval - time.Since(q.lastSave); wait > 0 {
		q.timer.Reset(wait)
		q.mu.Unlock()
		return
	}
	q.dirty = false
	q.lastSave = time.Now()
	q.mu.Unlock()

	if err := q.saveNow(); err != nil {
		q.logger.Error("persist queue snapshot", "error", err)
		q.mu.Lock()
		q.dirty = true
		q.mu.Unlock()
	}
}

// Flush forces an immediate snapshot write regardless of debounce state.
func (q *File) Flush() error {
	q.mu.Lock()
	q.dirty = false
	q.lastSave = time.Now()
	q.mu.Unlock()
	return q.saveNow()
}

func (q *File) Enqueue(ctx context.Context, item *Item) error {
	if err := q.mem.Enqueue(ctx, item); err != nil {
		return err
	}
	q.markDirty()
	return nil
}

func (q *File) Dequeue(ctx context.Context) (*Item, bool, error) {
	it, ok, err := q.mem.Dequeue(ctx)
	if err == nil && ok {
		q.markDirty()
	}
	return it, ok, err
}

func (q *File) Peek(ctx context.Context) (*Item, bool, error) {
	return q.mem.Peek(ctx)
}

func (q *File) MarkRunning(ctx context.Context, id string) error {
	if err := q.mem.MarkRunning(ctx, id); err != nil {
		return err
	}
	q.markDirty()
	return nil
}

func (q *File) MarkComplete(ctx context.Context, id string) error {
	if err := q.mem.MarkComplete(ctx, id); err != nil {
		return err
	}
	q.markDirty()
	return nil
}

func (q *File) MarkFailed(ctx context.Context, id string) (bool, error) {
	requeued, err := q.mem.MarkFailed(ctx, id)
	if err != nil {
		return false, err
	}
	q.markDirty()
	return requeued, nil
}

func (q *File) MarkSkipped(ctx context.Context, id string) error {
	if err := q.mem.MarkSkipped(ctx, id); err != nil {
		return err
	}
	q.markDirty()
	return nil
}

func (q *File) ResetTask(ctx context.Context, id string) error {
	if err := q.mem.ResetTask(ctx, id); err != nil {
		return err
	}
	q.markDirty()
	return nil
}

func (q *File) Remove(ctx context.Context, id string) error {
	if err := q.mem.Remove(ctx, id); err != nil {
		return err
	}
	q.markDirty()
	return nil
}

func (q *File) HasTask(ctx context.Context, id string) (bool, error) {
	return q.mem.HasTask(ctx, id)
}

func (q *File) GetTask(ctx context.Context, id string) (*Item, bool, error) {
	return q.mem.GetTask(ctx, id)
}

func (q *File) Pending(ctx context.Context) ([]*Item, error)   { return q.mem.Pending(ctx) }
func (q *File) Running(ctx context.Context) ([]*Item, error)   { return q.mem.Running(ctx) }
func (q *File) Completed(ctx context.Context) ([]*Item, error) { return q.mem.Completed(ctx) }
func (q *File) Failed(ctx context.Context) ([]*Item, error)    { return q.mem.Failed(ctx) }
func (q *File) Skipped(ctx context.Context) ([]*Item, error)   { return q.mem.Skipped(ctx) }

func (q *File) Stats(ctx context.Context) (Stats, error) { return q.mem.Stats(ctx) }

func (q *File) Clear(ctx context.Context) error {
	if err := q.mem.Clear(ctx); err != nil {
		return err
	}
	q.markDirty()
	return nil
}

// Close stops the background flusher and writes any unsaved snapshot.
func (q *File) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
		}
		dirty := q.dirty
		q.dirty = false
		q.mu.Unlock()
		if dirty {
			q.closeErr = q.saveNow()
		}
	})
	return q.closeErr
}
