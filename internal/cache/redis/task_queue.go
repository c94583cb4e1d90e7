package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

var (
	//go:embed scripts/enqueue_if_absent.lua
	enqueueIfAbsentLua string
	//go:embed scripts/dequeue.lua
	dequeueLua string
	//go:embed scripts/ack.lua
	ackLua string
	//go:embed scripts/recover.lua
	recoverLua string
)

// TaskQueue implements domain.TaskQueue with a sorted set of due times and a
// hash of encoded tasks, both keyed by task id so re-enqueueing coalesces.
//
// Key schema:
//
//	queue:{name}:due      - zset id -> due time (ms) minus priority seconds
//	queue:{name}:tasks    - hash id -> JSON task
//	queue:{name}:running  - zset id -> lease deadline (ms)
type TaskQueue struct {
	rdb       *redis.Client
	ifAbsent  *redis.Script
	dequeue   *redis.Script
	ack       *redis.Script
	recoverSc *redis.Script
}

var _ domain.TaskQueue = (*TaskQueue)(nil)

// NewTaskQueue creates a TaskQueue backed by the given Client.
func NewTaskQueue(c *Client) *TaskQueue {
	return &TaskQueue{
		rdb:       c.Underlying(),
		ifAbsent:  redis.NewScript(enqueueIfAbsentLua),
		dequeue:   redis.NewScript(dequeueLua),
		ack:       redis.NewScript(ackLua),
		recoverSc: redis.NewScript(recoverLua),
	}
}

func queueKeys(queue string) []string {
	return []string{
		"queue:" + queue + ":due",
		"queue:" + queue + ":tasks",
		"queue:" + queue + ":running",
	}
}

type taskRecord struct {
	ID         string `json:"id"`
	Queue      string `json:"queue"`
	Payload    []byte `json:"payload"`
	RetryCount int    `json:"retryCount"`
	DelayUntil int64  `json:"delayUntil"`
	Priority   int    `json:"priority"`
	CreatedAt  int64  `json:"createdAt"`
}

func encodeTask(t domain.JobTask) ([]byte, float64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	rec := taskRecord{
		ID:         t.ID,
		Queue:      t.Queue,
		Payload:    t.Payload,
		RetryCount: t.RetryCount,
		DelayUntil: t.DelayUntil.UnixMilli(),
		Priority:   t.Priority,
		CreatedAt:  t.CreatedAt.UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, err
	}
	score := float64(rec.DelayUntil) - float64(t.Priority)*1000
	return data, score, nil
}

func decodeTask(data []byte) (domain.JobTask, error) {
	var rec taskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.JobTask{}, err
	}
	return domain.JobTask{
		ID:         rec.ID,
		Queue:      rec.Queue,
		Payload:    rec.Payload,
		RetryCount: rec.RetryCount,
		DelayUntil: time.UnixMilli(rec.DelayUntil),
		Priority:   rec.Priority,
		CreatedAt:  time.UnixMilli(rec.CreatedAt),
	}, nil
}

// Enqueue stores task, replacing any pending task with the same id.
func (q *TaskQueue) Enqueue(ctx context.Context, task domain.JobTask) error {
	data, score, err := encodeTask(task)
	if err != nil {
		return fmt.Errorf("redis: encode task %s/%s: %w", task.Queue, task.ID, err)
	}
	keys := queueKeys(task.Queue)

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keys[1], task.ID, data)
	pipe.ZAdd(ctx, keys[0], redis.Z{Score: score, Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: enqueue %s/%s: %w", task.Queue, task.ID, err)
	}
	return nil
}

// EnqueueIfAbsent stores task unless a task with the same id is pending.
func (q *TaskQueue) EnqueueIfAbsent(ctx context.Context, task domain.JobTask) (bool, error) {
	data, score, err := encodeTask(task)
	if err != nil {
		return false, fmt.Errorf("redis: encode task %s/%s: %w", task.Queue, task.ID, err)
	}
	added, err := q.ifAbsent.Run(ctx, q.rdb, queueKeys(task.Queue), task.ID, data, score).Int()
	if err != nil {
		return false, fmt.Errorf("redis: enqueue if absent %s/%s: %w", task.Queue, task.ID, err)
	}
	return added == 1, nil
}

// Dequeue leases the next task due at now.
func (q *TaskQueue) Dequeue(ctx context.Context, queue string, now time.Time, lease time.Duration) (domain.JobTask, error) {
	data, err := q.dequeue.Run(ctx, q.rdb, queueKeys(queue),
		now.UnixMilli(), now.Add(lease).UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.JobTask{}, domain.ErrNotFound
		}
		return domain.JobTask{}, fmt.Errorf("redis: dequeue %s: %w", queue, err)
	}
	task, err := decodeTask([]byte(data))
	if err != nil {
		return domain.JobTask{}, fmt.Errorf("redis: decode task from %s: %w", queue, err)
	}
	return task, nil
}

// Ack releases a leased task. A replacement enqueued while the task ran is
// kept.
func (q *TaskQueue) Ack(ctx context.Context, queue, id string) error {
	if err := q.ack.Run(ctx, q.rdb, queueKeys(queue), id).Err(); err != nil {
		return fmt.Errorf("redis: ack %s/%s: %w", queue, id, err)
	}
	return nil
}

// Recover returns tasks whose lease expired by now to the due set.
func (q *TaskQueue) Recover(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := q.recoverSc.Run(ctx, q.rdb, queueKeys(queue), now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis: recover %s: %w", queue, err)
	}
	return n, nil
}

// Len returns the number of pending tasks, due or delayed.
func (q *TaskQueue) Len(ctx context.Context, queue string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKeys(queue)[0]).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: queue length %s: %w", queue, err)
	}
	return n, nil
}
