package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"time"

	_ "golang.org/x/image/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"async-image-processor/internal/blob"
	"async-image-processor/internal/config"
	"async-image-processor/internal/models"
	"async-image-processor/internal/queue"
	"async-image-processor/internal/store"
)

// TaskTypeProcessImage is the task type the ingestion handler submits.
const TaskTypeProcessImage = "image:process"

// ImageHandler is the processing job: it turns an uploaded original into a
// bounded, JPEG-encoded artifact plus an optional thumbnail, and walks the
// job record through processing to a terminal state.
type ImageHandler struct {
	cfg     config.Config
	records *store.Store
	blobs   blob.Store
}

func NewImageHandler(cfg config.Config, records *store.Store, blobs blob.Store) *ImageHandler {
	return &ImageHandler{cfg: cfg, records: records, blobs: blobs}
}

// Handle runs the pipeline for one upload. Processing failures (undecodable
// payload, transform errors) are recorded into the job record and returned
// as a terminal result; an error return means the stores themselves were
// unreachable and nothing could be recorded.
func (h *ImageHandler) Handle(ctx context.Context, task queue.Task) (any, error) {
	rec, err := h.records.GetRecord(ctx, task.UploadID)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", task.UploadID, err)
	}

	// A reclaimed lease can redeliver a task whose previous run already
	// reached a terminal state (crash after the terminal save, before the
	// ack). The earlier outcome stands.
	if rec.Status.Terminal() {
		if rec.Status == models.StatusCompleted && rec.Result != nil {
			return *rec.Result, nil
		}
		return map[string]string{"status": string(rec.Status), "error": rec.Error}, nil
	}

	data, _, err := h.blobs.Get(ctx, blob.PayloadKey(task.UploadID))
	if errors.Is(err, blob.ErrNotFound) {
		// The payload can expire before a worker picks the task up.
		return h.fail(ctx, rec, "original payload not found (expired before processing)")
	}
	if err != nil {
		return nil, fmt.Errorf("load payload %s: %w", task.UploadID, err)
	}

	// On redelivery after a mid-run crash the record is already at
	// processing; reprocessing is idempotent, so only advance from queued.
	if rec.Status != models.StatusProcessing {
		if err := rec.Advance(models.StatusProcessing, time.Now()); err != nil {
			return nil, err
		}
		if err := h.records.SaveRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("mark processing: %w", err)
		}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return h.fail(ctx, rec, fmt.Sprintf("decode image: %v", err))
	}

	origDims := models.Dimensions{Width: src.Bounds().Dx(), Height: src.Bounds().Dy()}
	effects := make([]string, 0, 3)

	img := src
	if !opaque(src) {
		img = flattenOnWhite(src)
		effects = append(effects, "alpha_flatten")
	}
	if origDims.Width > h.cfg.ResizeBound || origDims.Height > h.cfg.ResizeBound {
		img = imaging.Fit(img, h.cfg.ResizeBound, h.cfg.ResizeBound, imaging.Lanczos)
		effects = append(effects, "resize")
	}

	processed, err := encodeJPEG(img, h.cfg.JPEGQuality)
	if err != nil {
		return h.fail(ctx, rec, fmt.Sprintf("encode image: %v", err))
	}
	if err := h.blobs.Put(ctx, blob.ProcessedKey(rec.ID), processed, "image/jpeg"); err != nil {
		return h.fail(ctx, rec, fmt.Sprintf("store processed artifact: %v", err))
	}

	var thumbBytes int64
	if h.cfg.ThumbnailBound > 0 {
		thumb := imaging.Fit(img, h.cfg.ThumbnailBound, h.cfg.ThumbnailBound, imaging.Lanczos)
		encoded, err := encodeJPEG(thumb, h.cfg.JPEGQuality)
		if err != nil {
			return h.fail(ctx, rec, fmt.Sprintf("encode thumbnail: %v", err))
		}
		if err := h.blobs.Put(ctx, blob.ThumbnailKey(rec.ID), encoded, "image/jpeg"); err != nil {
			return h.fail(ctx, rec, fmt.Sprintf("store thumbnail: %v", err))
		}
		thumbBytes = int64(len(encoded))
		effects = append(effects, "thumbnail")
	}

	summary := models.ResultSummary{
		OriginalDimensions:  origDims,
		ProcessedDimensions: models.Dimensions{Width: img.Bounds().Dx(), Height: img.Bounds().Dy()},
		OriginalBytes:       int64(len(data)),
		ProcessedBytes:      int64(len(processed)),
		ThumbnailBytes:      thumbBytes,
		CompressionPct:      compressionPct(int64(len(data)), int64(len(processed))),
		Effects:             effects,
	}

	rec.Result = &summary
	if err := rec.Advance(models.StatusCompleted, time.Now()); err != nil {
		return nil, err
	}
	if err := h.records.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}

	// Best-effort cleanup of the original copy; the artifacts stand alone.
	_ = h.blobs.Delete(ctx, blob.PayloadKey(rec.ID))

	return summary, nil
}

// fail records a terminal failed state and returns it as the task result.
func (h *ImageHandler) fail(ctx context.Context, rec models.JobRecord, msg string) (any, error) {
	rec.Error = msg
	if err := rec.Advance(models.StatusFailed, time.Now()); err != nil {
		return nil, err
	}
	if err := h.records.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return map[string]string{"status": string(models.StatusFailed), "error": msg}, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// compressionPct may be negative when re-encoding enlarges the file; that is
// a reportable outcome, not an error.
func compressionPct(original, processed int64) float64 {
	if original == 0 {
		return 0
	}
	pct := float64(original-processed) / float64(original) * 100
	return math.Round(pct*10) / 10
}

func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return true
}

// flattenOnWhite composites an image carrying transparency onto an opaque
// white background so JPEG encoding does not discard alpha silently.
func flattenOnWhite(src image.Image) image.Image {
	bg := imaging.New(src.Bounds().Dx(), src.Bounds().Dy(), color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	return imaging.Overlay(bg, src, image.Pt(0, 0), 1.0)
}
