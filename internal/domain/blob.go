package domain

import (
	"context"
	"io"
)

// ArtifactStore keeps pipeline artifacts in object storage: archived call
// traces and daily fill exports. Paths are relative to the store's prefix.
type ArtifactStore interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutStream uploads data in parts of at least partSize bytes.
	PutStream(ctx context.Context, path string, data io.Reader, partSize int64) error
	// Get returns ErrNotFound for missing objects.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}
