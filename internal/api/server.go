package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"async-image-processor/internal/blob"
	"async-image-processor/internal/config"
	"async-image-processor/internal/models"
	"async-image-processor/internal/queue"
	"async-image-processor/internal/ratelimit"
	"async-image-processor/internal/store"
	"async-image-processor/internal/telemetry"
	"async-image-processor/internal/worker"
)

// Server wires the HTTP handlers for ingestion, status, and retrieval.
type Server struct {
	cfg     config.Config
	records *store.Store
	blobs   blob.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, records *store.Store, blobs blob.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		records: records,
		blobs:   blobs,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/upload", s.handleUpload)
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/download/{id}", s.handleDownload(blob.ProcessedKey))
	r.Get("/download/{id}/thumbnail", s.handleDownload(blob.ThumbnailKey))
	return r
}

type uploadResponse struct {
	ID               string            `json:"id"`
	Status           models.Status     `json:"status"`
	OriginalFilename string            `json:"original_filename"`
	ContentType      string            `json:"content_type"`
	SizeBytes        int64             `json:"size_bytes"`
	Dimensions       models.Dimensions `json:"dimensions"`
	Format           string            `json:"format"`
	ColorMode        string            `json:"color_mode"`
	CreatedAt        time.Time         `json:"created_at"`
	StatusURL        string            `json:"status_url"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "rl:upload:"+clientKey(r))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, kindRateLimited, "upload rate limit exceeded")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid multipart body: "+err.Error())
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, kindInvalidInput, `missing file: form field key should be "image"`)
		return
	}
	defer file.Close()

	if declared := header.Header.Get("Content-Type"); declared != "" &&
		!strings.HasPrefix(declared, "image/") && declared != "application/octet-stream" {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, kindInvalidInput, "file must be an image, got "+declared)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "read upload: "+err.Error())
		return
	}

	sniffed := mimetype.Detect(data)
	if !strings.HasPrefix(sniffed.String(), "image/") {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, kindInvalidInput, "file content is not an image ("+sniffed.String()+")")
		return
	}

	// Decode validation happens before any write so a corrupt payload never
	// produces a job record.
	imgCfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, kindInvalidInput, "image is corrupt or unsupported: "+err.Error())
		return
	}

	id := uuid.New().String()
	task := queue.Task{ID: uuid.New().String(), Type: worker.TaskTypeProcessImage, UploadID: id}
	rec := models.JobRecord{
		ID:               id,
		OriginalFilename: header.Filename,
		ContentType:      sniffed.String(),
		SizeBytes:        int64(len(data)),
		Dimensions:       models.Dimensions{Width: imgCfg.Width, Height: imgCfg.Height},
		Format:           format,
		ColorMode:        colorMode(imgCfg.ColorModel),
		Status:           models.StatusQueued,
		QueueTaskID:      task.ID,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.blobs.Put(r.Context(), blob.PayloadKey(id), data, sniffed.String()); err != nil {
		writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, "store payload: "+err.Error())
		return
	}
	// The record is written once, before the task becomes runnable. Writing
	// it again after Submit would race the worker, which may already have
	// advanced the record past queued.
	if err := s.records.SaveRecord(r.Context(), rec); err != nil {
		writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, "store record: "+err.Error())
		return
	}

	if _, err := s.queue.Submit(r.Context(), task); err != nil {
		// The record is already visible; mark it failed right away so no poll
		// can ever observe a queued record with no runnable job behind it.
		rec.Error = "enqueue failed: " + err.Error()
		if aerr := rec.Advance(models.StatusFailed, time.Now()); aerr == nil {
			if serr := s.records.SaveRecord(r.Context(), rec); serr != nil {
				log.Printf("mark dangling record %s failed: %v", id, serr)
			}
		}
		writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, "enqueue processing job: "+err.Error())
		return
	}

	telemetry.UploadsAccepted.Inc()
	writeJSON(w, http.StatusAccepted, uploadResponse{
		ID:               rec.ID,
		Status:           rec.Status,
		OriginalFilename: rec.OriginalFilename,
		ContentType:      rec.ContentType,
		SizeBytes:        rec.SizeBytes,
		Dimensions:       rec.Dimensions,
		Format:           rec.Format,
		ColorMode:        rec.ColorMode,
		CreatedAt:        rec.CreatedAt,
		StatusURL:        "/status/" + rec.ID,
	})
}

type statusResponse struct {
	models.JobRecord
	QueueState queue.TaskState `json:"queue_state,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.records.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, kindNotFound, "unknown or expired upload id")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, err.Error())
		return
	}

	resp := statusResponse{JobRecord: rec}
	if rec.QueueTaskID != "" {
		ts, err := s.queue.Poll(r.Context(), rec.QueueTaskID)
		switch {
		case errors.Is(err, queue.ErrTaskNotFound):
			// Queue state expired; the record alone is authoritative.
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, err.Error())
			return
		default:
			resp.QueueState = ts.State
			// The record owns the fine-grained sub-states; the queue only
			// overrides when it saw a dispatch failure the record missed
			// (e.g. a worker that died before recording anything).
			if ts.State == queue.TaskFailed && !rec.Status.Terminal() {
				resp.Status = models.StatusFailed
				if resp.Error == "" {
					resp.Error = ts.Error
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(key func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		data, contentType, err := s.blobs.Get(r.Context(), key(id))
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "artifact not yet produced or expired")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, kindStoreUnavailable, err.Error())
			return
		}
		if contentType == "" {
			contentType = "image/jpeg"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

// handleHealth reports store and worker reachability. It never fails the
// process; a degraded dependency is reported, not fatal.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "connected"
	if err := s.records.Ping(r.Context()); err != nil {
		redisStatus = "disconnected"
	}

	var workers int64
	if n, err := s.queue.ActiveWorkers(r.Context(), time.Now(), 30*time.Second); err == nil {
		workers = n
	}

	overall := "healthy"
	if redisStatus != "connected" {
		overall = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": overall,
		"services": map[string]any{
			"api":            "ready",
			"redis":          redisStatus,
			"active_workers": workers,
		},
	})
}

const (
	kindInvalidInput     = "invalid_input"
	kindNotFound         = "not_found"
	kindRateLimited      = "rate_limited"
	kindStoreUnavailable = "store_unavailable"
)

type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, map[string]errorBody{"error": {Kind: kind, Detail: detail}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func colorMode(m color.Model) string {
	switch m {
	case color.YCbCrModel:
		return "ycbcr"
	case color.GrayModel, color.Gray16Model:
		return "gray"
	case color.RGBAModel, color.NRGBAModel, color.RGBA64Model, color.NRGBA64Model:
		return "rgba"
	case color.CMYKModel:
		return "cmyk"
	case color.AlphaModel, color.Alpha16Model:
		return "alpha"
	}
	if _, ok := m.(color.Palette); ok {
		return "paletted"
	}
	return "unknown"
}
