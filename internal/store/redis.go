package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"async-image-processor/internal/models"
)

// ErrNotFound is returned when a record is unknown or has expired.
var ErrNotFound = errors.New("record not found")

// Store persists job records in Redis under meta:{id} with a uniform TTL.
// Every write refreshes the TTL so all keys for one identifier expire on the
// same schedule.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an existing Redis client. The client's lifecycle is owned by the
// caller so the API server, queue, and blob store can share one connection.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func metaKey(id string) string {
	return "meta:" + id
}

// SaveRecord writes the record as JSON with the store TTL.
func (s *Store) SaveRecord(ctx context.Context, rec models.JobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, metaKey(rec.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// GetRecord loads a record by upload identifier.
func (s *Store) GetRecord(ctx context.Context, id string) (models.JobRecord, error) {
	raw, err := s.client.Get(ctx, metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.JobRecord{}, ErrNotFound
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("read record: %w", err)
	}
	var rec models.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// Ping reports store connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
