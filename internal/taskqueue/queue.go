// Package taskqueue provides the priority task queue with three backends:
// in-memory, file-persisted (debounced JSON snapshots), and Redis (sorted
// sets with an atomic Lua dequeue for multi-worker deployments).
//
// Ordering is total per backend instance: dequeue returns the pending item
// with the smallest priority score, score = rank(priority)·10^15 +
// enqueuedAt in epoch milliseconds, ties broken FIFO.
package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/danshapiro/ralphy/internal/tasksource"
)

// Priority of a queued task. Lower rank dequeues first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its ordering weight.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return -1
}

func (p Priority) valid() bool { return p.Rank() >= 0 }

// scoreBase separates priority bands so enqueue timestamps only break ties
// within a band.
const scoreBase = int64(1_000_000_000_000_000)

// Score computes the ordering score for a priority and enqueue time.
func Score(p Priority, enqueuedAtMillis int64) int64 {
	return int64(p.Rank())*scoreBase + enqueuedAtMillis
}

// Item is one queue entry. Timestamps are epoch milliseconds.
type Item struct {
	Task        tasksource.Task `json:"task"`
	Priority    Priority        `json:"priority"`
	EnqueuedAt  int64           `json:"enqueuedAt"`
	StartedAt   int64           `json:"startedAt,omitempty"`
	CompletedAt int64           `json:"completedAt,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
}

// NewItem builds a queue item stamped with the current time.
func NewItem(task tasksource.Task, priority Priority, maxAttempts int) *Item {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Item{
		Task:        task,
		Priority:    priority,
		EnqueuedAt:  time.Now().UnixMilli(),
		MaxAttempts: maxAttempts,
	}
}

// Score returns the item's ordering score at its original enqueue time.
// Retries requeue at this score so a task never loses its place in line.
func (it *Item) Score() int64 { return Score(it.Priority, it.EnqueuedAt) }

func (it *Item) clone() *Item {
	out := *it
	return &out
}

func (it *Item) validate() error {
	if it.Task.ID == "" {
		return fmt.Errorf("task queue: item has no task id")
	}
	if !it.Priority.valid() {
		return fmt.Errorf("task queue: invalid priority %q", it.Priority)
	}
	if it.EnqueuedAt == 0 {
		return fmt.Errorf("task queue: item has no enqueue time")
	}
	return nil
}

// Stats is a point-in-time partition census.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// Queue is the backend-independent task queue. Every item lives in exactly
// one of the five partitions at any moment; Dequeue atomically moves the
// winner from pending to running.
type Queue interface {
	Enqueue(ctx context.Context, item *Item) error
	Dequeue(ctx context.Context) (*Item, bool, error)
	Peek(ctx context.Context) (*Item, bool, error)
	MarkRunning(ctx context.Context, id string) error
	MarkComplete(ctx context.Context, id string) error
	// MarkFailed counts the attempt and routes the item: back to pending
	// while attempts remain, else to failed. Reports whether it requeued.
	MarkFailed(ctx context.Context, id string) (bool, error)
	MarkSkipped(ctx context.Context, id string) error
	ResetTask(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	HasTask(ctx context.Context, id string) (bool, error)
	GetTask(ctx context.Context, id string) (*Item, bool, error)
	Pending(ctx context.Context) ([]*Item, error)
	Running(ctx context.Context) ([]*Item, error)
	Completed(ctx context.Context) ([]*Item, error)
	Failed(ctx context.Context) ([]*Item, error)
	Skipped(ctx context.Context) ([]*Item, error)
	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
	Close() error
}

// partition names shared by the file snapshot and the Redis key layout.
const (
	partPending   = "pending"
	partRunning   = "running"
	partCompleted = "completed"
	partFailed    = "failed"
	partSkipped   = "skipped"
)

var partitions = []string{partPending, partRunning, partCompleted, partFailed, partSkipped}
