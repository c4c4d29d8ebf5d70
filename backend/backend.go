// Package backend provides the local, manager-owned storage used for cache
// files such as the encrypted ledger cache.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned for keys that are empty or would leave the root.
var ErrInvalidKey = errors.New("invalid key")

// Backend stores small blobs under slash-separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write replaces the data at key. A failed write leaves any previous
	// data intact.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// WriterBackend extends Backend with direct writer access.
type WriterBackend interface {
	Backend

	// Writer returns a WriteCloser for writing to the given key.
	// The write is only committed when Close returns nil.
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// Aborter is implemented by writers that can discard uncommitted data.
type Aborter interface {
	Abort() error
}
