package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/danshapiro/ralphy/internal/fsatomic"
)

// processStartMillis approximates the process start time for worker ids.
var processStartMillis = time.Now().UnixMilli()

// NewWorkerID builds a "<pid>-<startMillis>-<random9>" worker identity.
func NewWorkerID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 9)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return fmt.Sprintf("%d-%d-%s", os.Getpid(), processStartMillis, string(b))
}

// RedisOptions tune the distributed backend. Zero values select defaults.
type RedisOptions struct {
	// Namespace prefixes every key so multiple queues can share a server.
	Namespace string
	// LockTTL is the claim lifetime; a worker that stops refreshing work
	// within it loses the item back to pending.
	LockTTL time.Duration
	// SweepInterval is how often expired claims are reaped.
	SweepInterval time.Duration
}

func (o *RedisOptions) defaults() {
	if o.Namespace == "" {
		o.Namespace = "ralphy"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
}

// dequeueScript atomically claims the best pending item: pick the lowest
// scored id, drop it from pending, set the claim lock, add it to running.
// KEYS: pending zset, running zset, lock key prefix.
// ARGV: worker id, lock TTL seconds, now millis.
var dequeueScript = redis.NewScript(`
local id = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
if not id then
  return false
end
redis.call('ZREM', KEYS[1], id)
redis.call('SETEX', KEYS[3] .. id, ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return id
`)

// Redis is the multi-worker backend. Each partition is a sorted set of task
// ids; pending is scored by priority score, the rest by transition
// timestamp. Serialized items live in one hash. The client is injected and
// stays owned by the caller.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	worker string
	logger hclog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedis wraps client as a task queue and starts the expired-claim
// sweeper.
func NewRedis(client *redis.Client, opts RedisOptions, logger hclog.Logger) *Redis {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	opts.defaults()
	q := &Redis{
		client: client,
		opts:   opts,
		worker: NewWorkerID(),
		logger: logger.Named("taskqueue.redis"),
		done:   make(chan struct{}),
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		t := time.NewTicker(q.opts.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-q.done:
				return
			case <-t.C:
				if n, err := q.SweepExpired(context.Background()); err != nil {
					q.logger.Error("sweep expired claims", "error", err)
				} else if n > 0 {
					q.logger.Info("requeued expired claims", "count", n)
				}
			}
		}
	}()
	return q
}

// WorkerID returns this instance's claim identity.
func (q *Redis) WorkerID() string { return q.worker }

func (q *Redis) partKey(part string) string { return q.opts.Namespace + ":queue:" + part }
func (q *Redis) itemsKey() string           { return q.opts.Namespace + ":queue:items" }
func (q *Redis) lockPrefix() string         { return q.opts.Namespace + ":queue:locks:" }
func (q *Redis) lockKey(id string) string   { return q.lockPrefix() + id }

func (q *Redis) getItem(ctx context.Context, id string) (*Item, error) {
	raw, err := q.client.HGet(ctx, q.itemsKey(), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("task queue: fetch item %q: %w", id, err)
	}
	var it Item
	if err := fsatomic.DecodeJSONGuarded([]byte(raw), &it); err != nil {
		return nil, fmt.Errorf("task queue: decode item %q: %w", id, err)
	}
	return &it, nil
}

func (q *Redis) putItem(ctx context.Context, it *Item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, q.itemsKey(), it.Task.ID, string(raw)).Err()
}

func (q *Redis) Enqueue(ctx context.Context, item *Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	exists, err := q.client.HExists(ctx, q.itemsKey(), item.Task.ID).Result()
	if err != nil {
		return fmt.Errorf("task queue: enqueue: %w", err)
	}
	if exists {
		return fmt.Errorf("task queue: task %q already present", item.Task.ID)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.itemsKey(), item.Task.ID, string(raw))
	pipe.ZAdd(ctx, q.partKey(partPending), redis.Z{Score: float64(item.Score()), Member: item.Task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("task queue: enqueue: %w", err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (*Item, bool, error) {
	ttl := int64(q.opts.LockTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.partKey(partPending), q.partKey(partRunning), q.lockPrefix()},
		q.worker, ttl, time.Now().UnixMilli(),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("task queue: dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, false, nil
	}
	it, err := q.getItem(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if it == nil {
		return nil, false, fmt.Errorf("task queue: dequeued id %q has no item", id)
	}
	it.StartedAt = time.Now().UnixMilli()
	if err := q.putItem(ctx, it); err != nil {
		return nil, false, err
	}
	return it, true, nil
}

func (q *Redis) Peek(ctx context.Context) (*Item, bool, error) {
	ids, err := q.client.ZRange(ctx, q.partKey(partPending), 0, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("task queue: peek: %w", err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	it, err := q.getItem(ctx, ids[0])
	if err != nil {
		return nil, false, err
	}
	if it == nil {
		return nil, false, fmt.Errorf("task queue: pending id %q has no item", ids[0])
	}
	return it, true, nil
}

func (q *Redis) MarkRunning(ctx context.Context, id string) error {
	removed, err := q.client.ZRem(ctx, q.partKey(partPending), id).Result()
	if err != nil {
		return fmt.Errorf("task queue: mark running: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("task queue: task %q is not pending", id)
	}
	it, err := q.getItem(ctx, id)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("task queue: task %q has no item", id)
	}
	now := time.Now().UnixMilli()
	it.StartedAt = now
	if err := q.putItem(ctx, it); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.SetEx(ctx, q.lockKey(id), q.worker, q.opts.LockTTL)
	pipe.ZAdd(ctx, q.partKey(partRunning), redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("task queue: mark running: %w", err)
	}
	return nil
}

// finishRunning moves id out of running into the target partition scored by
// now, mutating the item through mutate first.
func (q *Redis) finishRunning(ctx context.Context, id, target string, mutate func(*Item)) error {
	removed, err := q.client.ZRem(ctx, q.partKey(partRunning), id).Result()
	if err != nil {
		return fmt.Errorf("task queue: mark %s: %w", target, err)
	}
	if removed == 0 {
		return fmt.Errorf("task queue: task %q is not running", id)
	}
	it, err := q.getItem(ctx, id)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("task queue: task %q has no item", id)
	}
	mutate(it)
	if err := q.putItem(ctx, it); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.partKey(target), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
	pipe.Del(ctx, q.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("task queue: mark %s: %w", target, err)
	}
	return nil
}

func (q *Redis) MarkComplete(ctx context.Context, id string) error {
	return q.finishRunning(ctx, id, partCompleted, func(it *Item) {
		it.CompletedAt = time.Now().UnixMilli()
	})
}

func (q *Redis) MarkFailed(ctx context.Context, id string) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.partKey(partRunning), id).Result()
	if err != nil {
		return false, fmt.Errorf("task queue: mark failed: %w", err)
	}
	if removed == 0 {
		return false, fmt.Errorf("task queue: task %q is not running", id)
	}
	it, err := q.getItem(ctx, id)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, fmt.Errorf("task queue: task %q has no item", id)
	}
	it.Attempts++
	max := it.MaxAttempts
	if max < 1 {
		max = 1
	}
	requeued := it.Attempts < max
	target := partFailed
	score := float64(time.Now().UnixMilli())
	if requeued {
		target = partPending
		score = float64(it.Score())
	} else {
		it.CompletedAt = time.Now().UnixMilli()
	}
	if err := q.putItem(ctx, it); err != nil {
		return false, err
	}
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.partKey(target), redis.Z{Score: score, Member: id})
	pipe.Del(ctx, q.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("task queue: mark failed: %w", err)
	}
	return requeued, nil
}

// MarkSkipped removes the id from both pending and running without checking
// where it was, then files it under skipped. Calling it twice is harmless.
func (q *Redis) MarkSkipped(ctx context.Context, id string) error {
	it, err := q.getItem(ctx, id)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("task queue: task %q not found", id)
	}
	it.CompletedAt = time.Now().UnixMilli()
	if err := q.putItem(ctx, it); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.partKey(partPending), id)
	pipe.ZRem(ctx, q.partKey(partRunning), id)
	pipe.ZAdd(ctx, q.partKey(partSkipped), redis.Z{Score: float64(it.CompletedAt), Member: id})
	pipe.Del(ctx, q.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("task queue: mark skipped: %w", err)
	}
	return nil
}

func (q *Redis) ResetTask(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	failedRem := pipe.ZRem(ctx, q.partKey(partFailed), id)
	skippedRem := pipe.ZRem(ctx, q.partKey(partSkipped), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("task queue: reset: %w", err)
	}
	if failedRem.Val()+skippedRem.Val() == 0 {
		return fmt.Errorf("task queue: task %q is not failed or skipped", id)
	}
	it, err := q.getItem(ctx, id)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("task queue: task %q has no item", id)
	}
	it.Attempts = 0
	it.StartedAt = 0
	it.CompletedAt = 0
	if err := q.putItem(ctx, it); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.partKey(partPending), redis.Z{Score: float64(it.Score()), Member: id}).Err()
}

func (q *Redis) Remove(ctx context.Context, id string) error {
	exists, err := q.client.HExists(ctx, q.itemsKey(), id).Result()
	if err != nil {
		return fmt.Errorf("task queue: remove: %w", err)
	}
	if !exists {
		return fmt.Errorf("task queue: task %q not found", id)
	}
	pipe := q.client.TxPipeline()
	for _, part := range partitions {
		pipe.ZRem(ctx, q.partKey(part), id)
	}
	pipe.HDel(ctx, q.itemsKey(), id)
	pipe.Del(ctx, q.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("task queue: remove: %w", err)
	}
	return nil
}

func (q *Redis) HasTask(ctx context.Context, id string) (bool, error) {
	exists, err := q.client.HExists(ctx, q.itemsKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("task queue: has task: %w", err)
	}
	return exists, nil
}

func (q *Redis) GetTask(ctx context.Context, id string) (*Item, bool, error) {
	it, err := q.getItem(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if it == nil {
		return nil, false, nil
	}
	return it, true, nil
}

func (q *Redis) list(ctx context.Context, part string) ([]*Item, error) {
	ids, err := q.client.ZRange(ctx, q.partKey(part), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("task queue: list %s: %w", part, err)
	}
	out := make([]*Item, 0, len(ids))
	for _, id := range ids {
		it, err := q.getItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if it != nil {
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *Redis) Pending(ctx context.Context) ([]*Item, error)   { return q.list(ctx, partPending) }
func (q *Redis) Running(ctx context.Context) ([]*Item, error)   { return q.list(ctx, partRunning) }
func (q *Redis) Completed(ctx context.Context) ([]*Item, error) { return q.list(ctx, partCompleted) }
func (q *Redis) Failed(ctx context.Context) ([]*Item, error)    { return q.list(ctx, partFailed) }
func (q *Redis) Skipped(ctx context.Context) ([]*Item, error)   { return q.list(ctx, partSkipped) }

func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.TxPipeline()
	cards := make(map[string]*redis.IntCmd, len(partitions))
	for _, part := range partitions {
		cards[part] = pipe.ZCard(ctx, q.partKey(part))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("task queue: stats: %w", err)
	}
	s := Stats{
		Pending:   int(cards[partPending].Val()),
		Running:   int(cards[partRunning].Val()),
		Completed: int(cards[partCompleted].Val()),
		Failed:    int(cards[partFailed].Val()),
		Skipped:   int(cards[partSkipped].Val()),
	}
	s.Total = s.Pending + s.Running + s.Completed + s.Failed + s.Skipped
	return s, nil
}

func (q *Redis) Clear(ctx context.Context) error {
	keys := make([]string, 0, len(partitions)+1)
	for _, part := range partitions {
		keys = append(keys, q.partKey(part))
	}
	keys = append(keys, q.itemsKey())
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("task queue: clear: %w", err)
	}
	iter := q.client.Scan(ctx, 0, q.lockPrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := q.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("task queue: clear locks: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("task queue: clear locks: %w", err)
	}
	return nil
}

// SweepExpired returns items whose claim lock has expired from running back
// to pending at their original priority score. Reports how many moved.
func (q *Redis) SweepExpired(ctx context.Context) (int, error) {
	ids, err := q.client.ZRange(ctx, q.partKey(partRunning), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("task queue: sweep: %w", err)
	}
	moved := 0
	for _, id := range ids {
		held, err := q.client.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return moved, fmt.Errorf("task queue: sweep: %w", err)
		}
		if held > 0 {
			continue
		}
		it, err := q.getItem(ctx, id)
		if err != nil {
			return moved, err
		}
		if it == nil {
			q.client.ZRem(ctx, q.partKey(partRunning), id)
			continue
		}
		it.StartedAt = 0
		if err := q.putItem(ctx, it); err != nil {
			return moved, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.partKey(partRunning), id)
		pipe.ZAdd(ctx, q.partKey(partPending), redis.Z{Score: float64(it.Score()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("task queue: sweep: %w", err)
		}
		moved++
		q.logger.Debug("reclaimed expired task", "id", id)
	}
	return moved, nil
}

// Close stops the sweeper. The Redis client belongs to the caller and is
// left open.
func (q *Redis) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
	return nil
}
