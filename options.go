package patchup

import (
	"os"
	"path/filepath"
)

// DefaultConcurrency bounds parallel blob registration and remote
// transfers.
const DefaultConcurrency = 4

// DefaultCacheEntries is the in-memory object cache size.
const DefaultCacheEntries = 256

// Options configures an opened project.
type Options struct {
	CacheDir    string
	CacheLimit  int64 // on-disk cache cap in bytes; 0 means unlimited
	Concurrency int
	Fetcher     FetchFunc
	Remote      string // OCI image ref for push/pull, empty disables
}

// Option is a functional option for Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CacheDir:    DefaultCacheDir(),
		Concurrency: DefaultConcurrency,
	}
}

// WithCacheDir sets the content store directory.
func WithCacheDir(dir string) Option {
	return func(o *Options) { o.CacheDir = dir }
}

// WithCacheLimit caps the on-disk content store size in bytes.
func WithCacheLimit(n int64) Option {
	return func(o *Options) { o.CacheLimit = n }
}

// WithConcurrency sets the bounded worker count for parallel work.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithFetcher overrides the fetch capability used to resolve origins.
func WithFetcher(f FetchFunc) Option {
	return func(o *Options) { o.Fetcher = f }
}

// WithRemote configures an OCI registry ref for snapshot sharing.
func WithRemote(ref string) Option {
	return func(o *Options) { o.Remote = ref }
}

// DefaultCacheDir resolves the content store location XDG-style.
func DefaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "patchup")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "patchup")
	}
	return ".patchup-cache"
}
