// Package storage holds path sanitation for the workspace tree and the
// mirror backends that replicate it.
package storage

import (
	"context"
	"io"
)

// Backend is a replication target for workspace files. Keys are the
// slash-separated workspace paths.
type Backend interface {
	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
