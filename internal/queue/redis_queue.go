package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskState is the dispatcher-level view of a task, distinct from the finer
// grained job-record status the processing job maintains itself.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskStarted   TaskState = "started"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// ErrTaskNotFound is returned by Poll when the task metadata has expired.
var ErrTaskNotFound = errors.New("task not found")

// Task is a unit of work submitted for background execution.
type Task struct {
	ID       string
	Type     string
	UploadID string
}

// TaskStatus is a point-in-time snapshot of a dispatched task.
type TaskStatus struct {
	State  TaskState
	Result json.RawMessage
	Error  string
}

// RedisQueue coordinates a ready list, an in-flight lease set, and per-task
// status hashes in Redis. Task hashes carry the same TTL as the job records
// they serve so queue state never outlives the upload it belongs to.
type RedisQueue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
	workersKey  string
	taskPrefix  string
	ttl         time.Duration
	lease       time.Duration
}

// NewRedisQueue wraps a shared Redis client. lease is how long a dequeued
// task may stay in flight before it is reclaimed; it must exceed the job
// wall-clock budget or healthy jobs would be requeued mid-run.
func NewRedisQueue(client *redis.Client, ttl, lease time.Duration) *RedisQueue {
	return &RedisQueue{
		client:      client,
		readyKey:    "queue:ready",
		inflightKey: "queue:inflight",
		workersKey:  "queue:workers",
		taskPrefix:  "queue:task:",
		ttl:         ttl,
		lease:       lease,
	}
}

func (q *RedisQueue) taskKey(taskID string) string {
	return q.taskPrefix + taskID
}

// Submit registers the task and pushes it onto the ready list in one
// pipeline. A caller-supplied task.ID is honored so the caller can persist
// the identifier before the task becomes runnable; when empty one is
// generated. The identifier in use is returned.
func (q *RedisQueue) Submit(ctx context.Context, task Task) (string, error) {
	taskID := task.ID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(taskID), "type", task.Type, "upload_id", task.UploadID, "state", string(TaskPending))
	pipe.Expire(ctx, q.taskKey(taskID), q.ttl)
	pipe.RPush(ctx, q.readyKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	return taskID, nil
}

// DequeueWithLease pops the next ready task and places it into the in-flight
// set with a lease deadline. A zero-value Task means the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.lease).UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, nil
	}
	if err != nil {
		return Task{}, fmt.Errorf("dequeue: %w", err)
	}
	taskID, ok := res.(string)
	if !ok {
		return Task{}, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.taskKey(taskID)).Result()
	if err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", taskID, err)
	}
	return Task{
		ID:       taskID,
		Type:     fields["type"],
		UploadID: fields["upload_id"],
	}, nil
}

// MarkStarted records that a worker picked the task up.
func (q *RedisQueue) MarkStarted(ctx context.Context, taskID string) error {
	return q.setState(ctx, taskID, TaskStarted, nil)
}

// StoreResult records terminal success with a JSON-encoded result. Processing
// failures inside a job are still stored through here: they are data carried
// in the result, not dispatch faults.
func (q *RedisQueue) StoreResult(ctx context.Context, taskID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return q.setState(ctx, taskID, TaskSucceeded, map[string]any{"result": string(raw)})
}

// StoreFailure records terminal dispatch failure with an error message.
func (q *RedisQueue) StoreFailure(ctx context.Context, taskID, errMsg string) error {
	return q.setState(ctx, taskID, TaskFailed, map[string]any{"error": errMsg})
}

func (q *RedisQueue) setState(ctx context.Context, taskID string, state TaskState, extra map[string]any) error {
	args := []any{"state", string(state)}
	for k, v := range extra {
		args = append(args, k, v)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(taskID), args...)
	pipe.Expire(ctx, q.taskKey(taskID), q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set task state: %w", err)
	}
	return nil
}

// Poll returns the task's current state without blocking or waiting.
func (q *RedisQueue) Poll(ctx context.Context, taskID string) (TaskStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(taskID)).Result()
	if err != nil {
		return TaskStatus{}, fmt.Errorf("poll task: %w", err)
	}
	if len(fields) == 0 {
		return TaskStatus{}, ErrTaskNotFound
	}
	status := TaskStatus{
		State: TaskState(fields["state"]),
		Error: fields["error"],
	}
	if raw := fields["result"]; raw != "" {
		status.Result = json.RawMessage(raw)
	}
	return status, nil
}

// Ack removes the task from in-flight tracking. The status hash stays so the
// result remains pollable until its TTL.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, q.inflightKey, taskID).Err()
}

// RequeueExpired reclaims tasks whose lease deadline passed (a worker died
// mid-run) and pushes them back onto the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.HSet(ctx, q.taskKey(id), "state", string(TaskPending))
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Heartbeat records worker liveness for health reporting.
func (q *RedisQueue) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	return q.client.ZAdd(ctx, q.workersKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: workerID,
	}).Err()
}

// ActiveWorkers counts workers that heartbeated within the window.
func (q *RedisQueue) ActiveWorkers(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	min := fmt.Sprintf("%d", now.Add(-window).UnixMilli())
	return q.client.ZCount(ctx, q.workersKey, min, "+inf").Result()
}

// Depth returns the ready list length.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Ping reports broker connectivity for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
