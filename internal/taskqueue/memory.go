package taskqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// heapEntry indexes one pending item. Entries go stale when an item leaves
// pending by any path other than Dequeue; stale entries are discarded
// lazily when they surface at the top.
type heapEntry struct {
	score int64
	seq   uint64
	id    string
}

type pendingHeap []heapEntry

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)   { *h = append(*h, x.(heapEntry)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Memory is the synchronous in-process backend. Five maps hold the
// partitions; a min-heap orders pending ids by score with FIFO tie-break.
type Memory struct {
	mu        sync.Mutex
	seq       uint64
	order     pendingHeap
	pending   map[string]*Item
	running   map[string]*Item
	completed map[string]*Item
	failed    map[string]*Item
	skipped   map[string]*Item
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		pending:   map[string]*Item{},
		running:   map[string]*Item{},
		completed: map[string]*Item{},
		failed:    map[string]*Item{},
		skipped:   map[string]*Item{},
	}
}

func (q *Memory) partitionsLocked() map[string]map[string]*Item {
	return map[string]map[string]*Item{
		partPending:   q.pending,
		partRunning:   q.running,
		partCompleted: q.completed,
		partFailed:    q.failed,
		partSkipped:   q.skipped,
	}
}

func (q *Memory) findLocked(id string) (*Item, string) {
	for name, part := range q.partitionsLocked() {
		if it, ok := part[id]; ok {
			return it, name
		}
	}
	return nil, ""
}

func (q *Memory) pushLocked(it *Item) {
	q.seq++
	heap.Push(&q.order, heapEntry{score: it.Score(), seq: q.seq, id: it.Task.ID})
}

// topLocked discards stale heap entries and returns the id of the current
// best pending item.
func (q *Memory) topLocked() (string, bool) {
	for q.order.Len() > 0 {
		top := q.order[0]
		it, ok := q.pending[top.id]
		if ok && it.Score() == top.score {
			return top.id, true
		}
		heap.Pop(&q.order)
	}
	return "", false
}

func (q *Memory) Enqueue(_ context.Context, item *Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, part := q.findLocked(item.Task.ID); part != "" {
		return fmt.Errorf("task queue: task %q already present in %s", item.Task.ID, part)
	}
	it := item.clone()
	q.pending[it.Task.ID] = it
	q.pushLocked(it)
	return nil
}

func (q *Memory) Dequeue(_ context.Context) (*Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.topLocked()
	if !ok {
		return nil, false, nil
	}
	heap.Pop(&q.order)
	it := q.pending[id]
	delete(q.pending, id)
	it.StartedAt = time.Now().UnixMilli()
	q.running[id] = it
	return it.clone(), true, nil
}

func (q *Memory) Peek(_ context.Context) (*Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.topLocked()
	if !ok {
		return nil, false, nil
	}
	return q.pending[id].clone(), true, nil
}

func (q *Memory) MarkRunning(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("task queue: task %q is not pending", id)
	}
	delete(q.pending, id)
	it.StartedAt = time.Now().UnixMilli()
	q.running[id] = it
	return nil
}

func (q *Memory) MarkComplete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.running[id]
	if !ok {
		return fmt.Errorf("task queue: task %q is not running", id)
	}
	delete(q.running, id)
	it.CompletedAt = time.Now().UnixMilli()
	q.completed[id] = it
	return nil
}

func (q *Memory) MarkFailed(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.running[id]
	if !ok {
		return false, fmt.Errorf("task queue: task %q is not running", id)
	}
	delete(q.running, id)
	it.Attempts++
	max := it.MaxAttempts
	if max < 1 {
		max = 1
	}
	if it.Attempts < max {
		q.pending[id] = it
		q.pushLocked(it)
		return true, nil
	}
	it.CompletedAt = time.Now().UnixMilli()
	q.failed[id] = it
	return false, nil
}

func (q *Memory) MarkSkipped(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	} else if it, ok = q.running[id]; ok {
		delete(q.running, id)
	} else {
		return fmt.Errorf("task queue: task %q is not pending or running", id)
	}
	it.CompletedAt = time.Now().UnixMilli()
	q.skipped[id] = it
	return nil
}

func (q *Memory) ResetTask(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.failed[id]
	if ok {
		delete(q.failed, id)
	} else if it, ok = q.skipped[id]; ok {
		delete(q.skipped, id)
	} else {
		return fmt.Errorf("task queue: task %q is not failed or skipped", id)
	}
	it.Attempts = 0
	it.StartedAt = 0
	it.CompletedAt = 0
	q.pending[id] = it
	q.pushLocked(it)
	return nil
}

func (q *Memory) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, part := range q.partitionsLocked() {
		if _, ok := part[id]; ok {
			delete(part, id)
			return nil
		}
	}
	return fmt.Errorf("task queue: task %q not found", id)
}

func (q *Memory) HasTask(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, part := q.findLocked(id)
	return part != "", nil
}

func (q *Memory) GetTask(_ context.Context, id string) (*Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, part := q.findLocked(id)
	if part == "" {
		return nil, false, nil
	}
	return it.clone(), true, nil
}

func (q *Memory) listLocked(part map[string]*Item, byScore bool) []*Item {
	out := make([]*Item, 0, len(part))
	for _, it := range part {
		out = append(out, it.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if byScore && out[i].Score() != out[j].Score() {
			return out[i].Score() < out[j].Score()
		}
		if out[i].EnqueuedAt != out[j].EnqueuedAt {
			return out[i].EnqueuedAt < out[j].EnqueuedAt
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	return out
}

func (q *Memory) Pending(_ context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked(q.pending, true), nil
}

func (q *Memory) Running(_ context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked(q.running, false), nil
}

func (q *Memory) Completed(_ context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked(q.completed, false), nil
}

func (q *Memory) Failed(_ context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked(q.failed, false), nil
}

func (q *Memory) Skipped(_ context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked(q.skipped, false), nil
}

func (q *Memory) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Pending:   len(q.pending),
		Running:   len(q.running),
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Skipped:   len(q.skipped),
	}
	s.Total = s.Pending + s.Running + s.Completed + s.Failed + s.Skipped
	return s, nil
}

func (q *Memory) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = map[string]*Item{}
	q.running = map[string]*Item{}
	q.completed = map[string]*Item{}
	q.failed = map[string]*Item{}
	q.skipped = map[string]*Item{}
	q.order = nil
	return nil
}

func (q *Memory) Close() error { return nil }

// place restores an item into a named partition verbatim. Used by the file
// backend when loading a snapshot; attempt counts and timestamps are
// preserved exactly.
func (q *Memory) place(item *Item, partition string) error {
	if err := item.validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := item.Task.ID
	if _, part := q.findLocked(id); part != "" {
		return fmt.Errorf("task queue: task %q already present in %s", id, part)
	}
	it := item.clone()
	switch partition {
	case partPending:
		q.pending[id] = it
		q.pushLocked(it)
	case partRunning:
		q.running[id] = it
	case partCompleted:
		q.completed[id] = it
	case partFailed:
		q.failed[id] = it
	case partSkipped:
		q.skipped[id] = it
	default:
		return fmt.Errorf("task queue: unknown partition %q", partition)
	}
	return nil
}

// snapshotItems captures every partition for persistence, deterministically
// ordered.
func (q *Memory) snapshotItems() map[string][]Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string][]Item, len(partitions))
	for name, part := range q.partitionsLocked() {
		items := q.listLocked(part, name == partPending)
		flat := make([]Item, 0, len(items))
		for _, it := range items {
			flat = append(flat, *it)
		}
		out[name] = flat
	}
	return out
}
