package archive

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"async-image-processor/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Archive keeps a durable ledger of terminal job outcomes in Postgres for
// operational inspection. The Redis record remains the only client-visible
// state; rows here outlive the TTL but carry no retrieval guarantee.
type Archive struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool}, nil
}

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (a *Archive) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := a.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// RecordOutcome inserts one terminal record. Re-archiving the same upload id
// is a no-op so reclaimed-then-rerun tasks do not duplicate rows.
func (a *Archive) RecordOutcome(ctx context.Context, rec models.JobRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("record %s is not terminal (%s)", rec.ID, rec.Status)
	}

	var processedW, processedH int
	var processedBytes int64
	var compression *float64
	if rec.Result != nil {
		processedW = rec.Result.ProcessedDimensions.Width
		processedH = rec.Result.ProcessedDimensions.Height
		processedBytes = rec.Result.ProcessedBytes
		compression = &rec.Result.CompressionPct
	}

	finishedAt := rec.ProcessingCompletedAt
	if rec.Status == models.StatusFailed {
		finishedAt = rec.FailedAt
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO job_outcomes (
			upload_id, original_filename, content_type, status, error,
			original_width, original_height, original_bytes,
			processed_width, processed_height, processed_bytes,
			compression_pct, created_at, finished_at
		)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (upload_id) DO NOTHING
	`, rec.ID, rec.OriginalFilename, rec.ContentType, string(rec.Status), rec.Error,
		rec.Dimensions.Width, rec.Dimensions.Height, rec.SizeBytes,
		processedW, processedH, processedBytes,
		compression, rec.CreatedAt, finishedAt)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Ping reports archive connectivity.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}
