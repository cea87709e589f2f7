// Package store implements the local content-addressed storage layer.
//
// Blobs are immutable and keyed by the SHA-256 digest of their raw bytes.
// Writes go through a temporary file and are renamed into place only after
// a successful sync, so a digest is either fully present and verified or
// absent. Eviction is least-recently-used over the on-disk objects and
// never removes a blob while a reader holds it.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a digest has no stored object.
	ErrNotFound = errors.New("store: object not found")

	// ErrCorrupt is returned when stored bytes no longer hash to their digest.
	ErrCorrupt = errors.New("store: object corrupt")
)

// Store handles local content storage.
type Store interface {
	// Get retrieves and verifies an object by digest.
	Get(ctx context.Context, digest string) ([]byte, error)

	// Put stores an object and returns its digest. Storing identical
	// bytes twice returns the same digest without duplicating storage.
	Put(ctx context.Context, data []byte) (digest string, err error)

	// Has checks if an object exists.
	Has(ctx context.Context, digest string) bool

	// GetRef retrieves a named reference (name → digest).
	GetRef(name string) (string, error)

	// PutRef stores a named reference.
	PutRef(name, digest string) error

	// Size returns the total on-disk size of stored objects.
	Size() (int64, error)

	// Evict removes least-recently-used objects until the store fits
	// within limit bytes. Objects with active readers are skipped.
	Evict(ctx context.Context, limit int64) (freed int64, err error)

	// Close releases store resources.
	Close() error
}
