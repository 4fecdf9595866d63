package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client, time.Hour, time.Minute)
}

func TestSubmitDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	taskID, err := q.Submit(ctx, Task{Type: "image:process", UploadID: "u1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID == "" {
		t.Fatal("empty task id")
	}

	st, err := q.Poll(ctx, taskID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st.State != TaskPending {
		t.Fatalf("expected pending, got %s", st.State)
	}

	task, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.ID != taskID || task.Type != "image:process" || task.UploadID != "u1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	if err := q.MarkStarted(ctx, task.ID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if err := q.StoreResult(ctx, task.ID, map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("store result: %v", err)
	}
	if err := q.Ack(ctx, task.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	st, err = q.Poll(ctx, taskID)
	if err != nil {
		t.Fatalf("poll after result: %v", err)
	}
	if st.State != TaskSucceeded {
		t.Fatalf("expected succeeded, got %s", st.State)
	}
	if len(st.Result) == 0 {
		t.Fatal("result payload missing")
	}
}

func TestSubmitHonorsProvidedID(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	taskID, err := q.Submit(ctx, Task{ID: "pre-assigned", Type: "image:process", UploadID: "u9"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID != "pre-assigned" {
		t.Fatalf("caller-supplied id not used: got %q", taskID)
	}

	task, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.ID != "pre-assigned" || task.UploadID != "u9" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.DequeueWithLease(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.ID != "" {
		t.Fatalf("expected empty task, got %+v", task)
	}
}

func TestStoreFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	taskID, err := q.Submit(ctx, Task{Type: "image:process", UploadID: "u2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.StoreFailure(ctx, taskID, "worker exploded"); err != nil {
		t.Fatalf("store failure: %v", err)
	}

	st, err := q.Poll(ctx, taskID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st.State != TaskFailed || st.Error != "worker exploded" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPollUnknownTask(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Poll(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	taskID, err := q.Submit(ctx, Task{Type: "image:process", UploadID: "u3"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Nothing is reclaimable before the lease deadline.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("lease not yet expired, reclaimed %v", ids)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue after deadline: %v", err)
	}
	if len(ids) != 1 || ids[0] != taskID {
		t.Fatalf("expected %s reclaimed, got %v", taskID, ids)
	}

	task, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("re-dequeue: %v", err)
	}
	if task.ID != taskID {
		t.Fatalf("reclaimed task not ready again: %+v", task)
	}
}

func TestWorkerHeartbeats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Now()

	if err := q.Heartbeat(ctx, "worker-a", now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := q.Heartbeat(ctx, "worker-b", now.Add(-time.Hour)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	n, err := q.ActiveWorkers(ctx, now, 30*time.Second)
	if err != nil {
		t.Fatalf("active workers: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 active worker, got %d", n)
	}
}
