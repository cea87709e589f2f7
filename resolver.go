package patchup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/patchup/patchup/internal/archive"
	"github.com/patchup/patchup/internal/store"
)

// Fetched is what a fetch capability returns: either an archive byte
// stream or the root of an on-disk tree (a pre-resolved checkout or a
// local directory). Exactly one of Archive and Dir is set.
type Fetched struct {
	Archive io.ReadCloser
	Name    string // archive filename hint
	Dir     string
	Ref     string // resolved ref for vcs origins
	Cleanup func() // optional; releases temporary checkouts
}

// FetchFunc obtains the raw form of an origin. The resolver is agnostic
// to transport: implementations may hit the network, shell out to a VCS,
// or read local disk. A fetch that cannot pin a vcs ref to exactly one
// commit returns an error wrapping ErrAmbiguousRef.
type FetchFunc func(ctx context.Context, origin Origin) (*Fetched, error)

// Normalize holds the tree normalization rules applied when reading an
// origin or a workspace, so pristine-vs-workspace comparisons see the
// same view.
type Normalize struct {
	// LineEndings converts CRLF to LF in text blobs when set.
	LineEndings bool
	// Ignore lists glob patterns for paths excluded from trees.
	Ignore []string
}

// vcsMetadata names directories stripped during normalization.
var vcsMetadata = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// Snapshot is an immutable, content-identified pristine tree.
type Snapshot struct {
	Digest Digest
	Tree   Tree
}

// LoadSnapshot reads a snapshot tree back out of the content store.
func LoadSnapshot(ctx context.Context, st store.Store, digest Digest) (*Snapshot, error) {
	data, err := st.Get(ctx, string(digest))
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", digest.Short(), err)
	}
	tree, err := DecodeTree(data)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", digest.Short(), err)
	}
	return &Snapshot{Digest: digest, Tree: tree}, nil
}

// Resolver turns origin descriptors into cached pristine snapshots.
type Resolver struct {
	store       store.Store
	fetch       FetchFunc
	concurrency int
	progress    io.Writer
}

// NewResolver creates a resolver backed by st and the given fetch
// capability.
func NewResolver(st store.Store, fetch FetchFunc, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Resolver{store: st, fetch: fetch, concurrency: concurrency, progress: os.Stderr}
}

// Resolve produces the pristine snapshot for an origin, fetching and
// registering it only when the origin is not already cached.
func (r *Resolver) Resolve(ctx context.Context, origin Origin, norm Normalize) (*Snapshot, error) {
	if err := origin.validate(); err != nil {
		return nil, &OriginError{Origin: origin, Err: err}
	}

	// Identity-keyed cache check: same logical version, no fetch.
	if digest, err := r.store.GetRef(origin.CacheKey()); err == nil {
		if snap, err := LoadSnapshot(ctx, r.store, Digest(digest)); err == nil {
			return snap, nil
		}
		// Ref exists but blobs were evicted; fall through to re-fetch.
	}

	return r.Refresh(ctx, origin, norm)
}

// Refresh resolves an origin unconditionally, bypassing the identity
// cache. Useful when a floating vcs ref (a branch) has moved upstream.
func (r *Resolver) Refresh(ctx context.Context, origin Origin, norm Normalize) (*Snapshot, error) {
	if err := origin.validate(); err != nil {
		return nil, &OriginError{Origin: origin, Err: err}
	}

	fetched, err := r.fetch(ctx, origin)
	if err != nil {
		return nil, &OriginError{Origin: origin, Err: err}
	}
	if fetched.Cleanup != nil {
		defer fetched.Cleanup()
	}

	var files []archive.File
	switch {
	case fetched.Archive != nil:
		defer fetched.Archive.Close()
		extracted, err := archive.Extract(fetched.Archive, fetched.Name)
		if err != nil {
			return nil, &OriginError{Origin: origin, Err: err}
		}
		files = archive.StripPrefix(extracted)
	case fetched.Dir != "":
		files, err = readDirTree(fetched.Dir)
		if err != nil {
			return nil, &OriginError{Origin: origin, Err: err}
		}
	default:
		return nil, &OriginError{Origin: origin, Err: errors.New("fetch returned neither archive nor directory")}
	}

	files = normalizeFiles(files, norm)
	if len(files) == 0 {
		return nil, &OriginError{Origin: origin, Err: ErrEmptyTree}
	}

	tree, err := registerBlobs(ctx, r.store, r.concurrency, files)
	if err != nil {
		return nil, fmt.Errorf("register blobs for %s: %w", origin, err)
	}

	if err := checkMaterializable(tree); err != nil {
		return nil, &OriginError{Origin: origin, Err: err}
	}
	warnCaseCollisions(r.progress, tree)

	digest, err := r.store.Put(ctx, tree.Encode())
	if err != nil {
		return nil, fmt.Errorf("store snapshot for %s: %w", origin, err)
	}
	if err := r.store.PutRef(origin.CacheKey(), digest); err != nil {
		return nil, fmt.Errorf("record snapshot ref for %s: %w", origin, err)
	}

	return &Snapshot{Digest: Digest(digest), Tree: tree}, nil
}

// registerBlobs stores every file's content and assembles the tree.
// Hashing and writing run on a bounded pool; the tree itself is a plain
// map so ordering never depends on completion order.
func registerBlobs(ctx context.Context, st store.Store, concurrency int, files []archive.File) (Tree, error) {
	var mu sync.Mutex
	tree := make(Tree, len(files))

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()
	for _, f := range files {
		f := f // per-iteration copy; required while go.mod targets go < 1.22
		p.Go(func(ctx context.Context) error {
			data := f.Data
			kind := KindRegular
			switch {
			case f.Link != "":
				data = []byte(f.Link)
				kind = KindSymlink
			case f.Mode&0111 != 0:
				kind = KindExecutable
			}

			digest, err := st.Put(ctx, data)
			if err != nil {
				return fmt.Errorf("store %s: %w", f.Path, err)
			}

			mu.Lock()
			tree[f.Path] = Entry{Digest: Digest(digest), Kind: kind}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return tree, nil
}

// normalizeFiles strips VCS metadata, applies ignore globs, and performs
// declared line-ending normalization.
func normalizeFiles(files []archive.File, norm Normalize) []archive.File {
	out := files[:0]
	for _, f := range files {
		if underVCSMetadata(f.Path) || matchAny(norm.Ignore, f.Path) {
			continue
		}
		if norm.LineEndings && f.Link == "" && isText(f.Data) {
			f.Data = bytes.ReplaceAll(f.Data, []byte("\r\n"), []byte("\n"))
		}
		out = append(out, f)
	}
	return out
}

func underVCSMetadata(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if vcsMetadata[seg] {
			return true
		}
	}
	return false
}

func warnCaseCollisions(w io.Writer, tree Tree) {
	for _, group := range tree.CaseCollisions() {
		fmt.Fprintf(w, "[resolve] warning: paths collide on case-insensitive filesystems: %s\n",
			strings.Join(group, ", "))
	}
}

// readDirTree walks an on-disk tree into archive.File entries.
func readDirTree(root string) ([]archive.File, error) {
	var files []archive.File
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			files = append(files, archive.File{Path: rel, Mode: info.Mode(), Link: target})
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, archive.File{Path: rel, Data: data, Mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
