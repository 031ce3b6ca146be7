// Package blobstore persists uploaded file content. Blobs are write-once:
// Put never overwrites an existing name, and the returned path is what the
// document record stores and the executor later opens.
package blobstore

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotExist is returned by Open for a path with no blob behind it.
	ErrNotExist = errors.New("blobstore: blob does not exist")
	// ErrExists is returned by Put when the name is already taken.
	ErrExists = errors.New("blobstore: blob already exists")
)

// Store is implemented by Local and GCS.
type Store interface {
	// Put writes r under name and returns the blob's path.
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	// Open returns a reader for a path previously returned by Put.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes a blob; used to clean up after a failed submission.
	Delete(ctx context.Context, path string) error
}
