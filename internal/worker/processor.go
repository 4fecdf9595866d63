package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"async-image-processor/internal/archive"
	"async-image-processor/internal/config"
	"async-image-processor/internal/models"
	"async-image-processor/internal/queue"
	"async-image-processor/internal/store"
	"async-image-processor/internal/telemetry"
)

// Handler executes one task and returns the value stored as the task result.
// Returning an error marks the task failed at the dispatch level; handlers
// that can record their own failure state should return a result instead.
type Handler func(ctx context.Context, task queue.Task) (any, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	records  *store.Store
	archive  *archive.Archive
	handlers map[string]Handler
	workerID string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, records *store.Store, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		records:  records,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// SetArchive enables the durable outcome ledger.
func (p *Processor) SetArchive(a *archive.Archive) {
	p.archive = a
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = p.queue.Heartbeat(ctx, p.workerID, time.Now())
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		task, err := p.queue.DequeueWithLease(ctx)
		if err != nil || task.ID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		if task.Type == "" {
			// Task metadata expired while the id sat in the ready list.
			_ = p.queue.Ack(ctx, task.ID)
			continue
		}

		p.runTask(ctx, task)
	}
}

// RunOnce processes at most one ready task. It exists for tests and for
// one-shot draining; steady-state operation goes through Run.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if task.ID == "" {
		return false, nil
	}
	if task.Type == "" {
		_ = p.queue.Ack(ctx, task.ID)
		return false, nil
	}
	p.runTask(ctx, task)
	return true, nil
}

func (p *Processor) runTask(ctx context.Context, task queue.Task) {
	handler, ok := p.handlers[task.Type]
	if !ok {
		_ = p.queue.StoreFailure(ctx, task.ID, fmt.Sprintf("no handler registered for type %q", task.Type))
		_ = p.queue.Ack(ctx, task.ID)
		return
	}

	_ = p.queue.MarkStarted(ctx, task.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Each job gets a fixed wall-clock budget; an overrunning transform is
	// cancelled and surfaces as a task failure.
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	result, err := handler(jobCtx, task)
	cancel()

	if err != nil {
		log.Printf("task %s (%s) failed: %v", task.ID, task.Type, err)
		_ = p.queue.StoreFailure(ctx, task.ID, err.Error())
		_ = p.queue.Ack(ctx, task.ID)
		telemetry.JobsFailed.Inc()
		return
	}

	_ = p.queue.StoreResult(ctx, task.ID, result)
	_ = p.queue.Ack(ctx, task.ID)
	p.finishTask(ctx, task.UploadID)
}

// finishTask counts the terminal outcome and archives it when a ledger is
// configured. Archive errors never affect the job itself.
func (p *Processor) finishTask(ctx context.Context, uploadID string) {
	rec, err := p.records.GetRecord(ctx, uploadID)
	if err != nil || !rec.Status.Terminal() {
		return
	}
	switch rec.Status {
	case models.StatusCompleted:
		telemetry.JobsCompleted.Inc()
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
	}
	if p.archive != nil {
		if err := p.archive.RecordOutcome(ctx, rec); err != nil {
			log.Printf("archive outcome %s: %v", uploadID, err)
		}
	}
}
