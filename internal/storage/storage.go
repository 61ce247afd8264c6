// Package storage provides temporary file storage for source videos and an
// optional S3 source from which videos can be fetched.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for temporary video storage.
// Implementations keep uploaded or downloaded videos on local disk for the
// lifetime of a session and optionally pull objects from S3.
type Storage interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename; its extension
	// is preserved.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp reads a temporary file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// FetchFromS3 downloads an object into a temporary file and returns its path.
	// Returns ErrS3NotConfigured if S3 is not configured.
	FetchFromS3(ctx context.Context, key string) (path string, err error)
}
