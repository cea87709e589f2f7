package patchup

import (
	"github.com/patchup/patchup/internal/store"
)

// Store is the public interface for content storage.
// Re-exported from internal/store for convenience.
type Store = store.Store

// NewLocalStore opens a filesystem-backed content store.
func NewLocalStore(dir string) (Store, error) {
	return store.NewLocalStore(dir, DefaultCacheEntries)
}
