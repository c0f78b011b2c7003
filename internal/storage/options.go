package storage

import (
	"context"
	"time"
)

// Archive persists rendered payloads outside of the in-memory/KeyDB store.
type Archive interface {
	Store(ctx context.Context, bucket, key string, data []byte) error
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket string) ([]string, error)
	Remove(ctx context.Context, bucket, key string) error
	Close() error
}

// Options control storage behaviour across backends.
type Options struct {
	// Clock drives key expiry in the memory backend. Defaults to time.Now.
	Clock func() time.Time
}
