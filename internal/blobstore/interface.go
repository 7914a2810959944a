// Package blobstore provides content-addressable storage for attachment bodies.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore defines the contract for content-addressable binary storage.
// Storing identical bytes twice always yields one physical blob.
type BlobStore interface {
	// Store writes data under its key unless a blob with that key exists.
	Store(ctx context.Context, data []byte) (Key, error)

	// Fetch returns the content of a blob.
	// Returns ErrBlobNotFound if the blob does not exist.
	Fetch(ctx context.Context, key Key) ([]byte, error)

	// Open returns a reader for a blob. The caller must close it.
	// Returns ErrBlobNotFound if the blob does not exist.
	Open(ctx context.Context, key Key) (io.ReadCloser, error)

	// Has checks whether a blob with the given key exists.
	Has(ctx context.Context, key Key) (bool, error)

	// Size returns the stored length of a blob.
	Size(ctx context.Context, key Key) (int64, error)

	// Delete removes a blob. No error if it doesn't exist.
	// The store does not check whether anything still references the key.
	Delete(ctx context.Context, key Key) error

	// DeleteAll removes every blob.
	DeleteAll(ctx context.Context) error

	// AllKeys returns the keys of all stored blobs.
	AllKeys(ctx context.Context) ([]Key, error)

	// Count returns the number of stored blobs.
	Count(ctx context.Context) (int, error)

	// NewWriter starts a streaming write into the store.
	NewWriter() (*Writer, error)
}
