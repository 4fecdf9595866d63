package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an upload's job record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions is the closed set of valid status advances. queued may go
// straight to failed when the enqueue call fails after the record was written.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvanceTo reports whether next is a valid successor of s.
func (s Status) CanAdvanceTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Dimensions is a width/height pair in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResultSummary is attached to a record once processing completes.
type ResultSummary struct {
	OriginalDimensions  Dimensions `json:"original_dimensions"`
	ProcessedDimensions Dimensions `json:"processed_dimensions"`
	OriginalBytes       int64      `json:"original_bytes"`
	ProcessedBytes      int64      `json:"processed_bytes"`
	ThumbnailBytes      int64      `json:"thumbnail_bytes,omitempty"`
	// CompressionPct is (original-processed)/original*100 rounded to one
	// decimal. Negative when the processed file is larger than the input.
	CompressionPct float64  `json:"compression_pct"`
	Effects        []string `json:"effects"`
}

// JobRecord tracks one upload's lifecycle. It is created by the ingestion
// handler and mutated only by the processing job.
type JobRecord struct {
	ID                    string         `json:"id"`
	OriginalFilename      string         `json:"original_filename"`
	ContentType           string         `json:"content_type"`
	SizeBytes             int64          `json:"size_bytes"`
	Dimensions            Dimensions     `json:"dimensions"`
	Format                string         `json:"format"`
	ColorMode             string         `json:"color_mode"`
	Status                Status         `json:"status"`
	QueueTaskID           string         `json:"queue_task_id,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	ProcessingStartedAt   *time.Time     `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time     `json:"processing_completed_at,omitempty"`
	FailedAt              *time.Time     `json:"failed_at,omitempty"`
	Error                 string         `json:"error,omitempty"`
	Result                *ResultSummary `json:"result,omitempty"`
}

// Advance moves the record to next, setting the timestamp owned by that
// state. Invalid transitions (including any backward move) are rejected.
func (r *JobRecord) Advance(next Status, at time.Time) error {
	if !r.Status.CanAdvanceTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s", r.Status, next)
	}
	r.Status = next
	at = at.UTC()
	switch next {
	case StatusProcessing:
		r.ProcessingStartedAt = &at
	case StatusCompleted:
		r.ProcessingCompletedAt = &at
	case StatusFailed:
		r.FailedAt = &at
	}
	return nil
}
