package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("blob not found")

// Store holds original payloads and produced artifacts. Implementations keep
// the bytes together with their content type.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (data []byte, contentType string, err error)
	Delete(ctx context.Context, key string) error
}

// Key helpers define the shared namespace layout. Each upload touches only
// keys derived from its own identifier.

func PayloadKey(id string) string {
	return "payload:" + id
}

func ProcessedKey(id string) string {
	return "artifact:processed:" + id
}

func ThumbnailKey(id string) string {
	return "artifact:thumbnail:" + id
}
