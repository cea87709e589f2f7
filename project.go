package patchup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/patchup/patchup/internal/remote"
	"github.com/patchup/patchup/internal/store"
)

// Project is the lifecycle controller for one managed project: it owns
// the content store and orchestrates resolve, build, and extract across
// the manifest's origins. It is the only component that touches the
// manifest or the remote.
type Project struct {
	root     string
	manifest *Manifest
	store    store.Store
	resolver *Resolver
	mat      *Materializer
	registry *remote.Registry
	opts     *Options
}

// Open loads the manifest under root and opens the content store.
func Open(root string, opts ...Option) (*Project, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	manifest, err := LoadManifest(filepath.Join(root, ManifestName))
	if err != nil {
		return nil, err
	}

	st, err := store.NewLocalStore(options.CacheDir, DefaultCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}

	fetch := options.Fetcher
	if fetch == nil {
		fetch = DefaultFetcher()
	}

	var registry *remote.Registry
	if options.Remote != "" {
		registry, err = remote.NewRegistry(options.Remote, nil)
		if err != nil {
			st.Close()
			return nil, err
		}
		registry.SetConcurrency(options.Concurrency)
	}

	return &Project{
		root:     root,
		manifest: manifest,
		store:    st,
		resolver: NewResolver(st, fetch, options.Concurrency),
		mat:      NewMaterializer(st, options.Concurrency),
		registry: registry,
		opts:     options,
	}, nil
}

// Manifest returns the loaded project manifest.
func (p *Project) Manifest() *Manifest { return p.manifest }

// Store exposes the project's content store.
func (p *Project) Store() Store { return p.store }

// Close enforces the cache size cap and releases the store.
func (p *Project) Close() error {
	if p.opts.CacheLimit > 0 {
		if _, err := p.store.Evict(context.Background(), p.opts.CacheLimit); err != nil {
			p.store.Close()
			return err
		}
	}
	return p.store.Close()
}

func (p *Project) normalizeFor(mo ManifestOrigin) Normalize {
	return Normalize{
		LineEndings: mo.Normalize == "lf",
		Ignore:      p.manifest.Ignore,
	}
}

func (p *Project) targetDir(mo ManifestOrigin) string {
	return filepath.Join(p.root, filepath.FromSlash(mo.Target))
}

func (p *Project) patchDir(mo ManifestOrigin) string {
	return filepath.Join(p.root, filepath.FromSlash(mo.Patches))
}

// ResolveAll resolves every declared origin, fetching independent
// origins in parallel on a bounded pool. With refresh set, cached
// snapshots are bypassed and floating refs re-pinned.
func (p *Project) ResolveAll(ctx context.Context, refresh bool) ([]*Snapshot, error) {
	snapshots := make([]*Snapshot, len(p.manifest.Origins))

	wp := pool.New().WithMaxGoroutines(p.opts.Concurrency).WithContext(ctx).WithCancelOnError()
	for i, mo := range p.manifest.Origins {
		i, mo := i, mo // per-iteration copies; required while go.mod targets go < 1.22
		wp.Go(func(ctx context.Context) error {
			var snap *Snapshot
			var err error
			if refresh {
				snap, err = p.resolver.Refresh(ctx, mo.Origin(), p.normalizeFor(mo))
			} else {
				snap, err = p.resolver.Resolve(ctx, mo.Origin(), p.normalizeFor(mo))
			}
			if err != nil {
				return err
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// Build materializes every origin's workspace: pristine snapshot plus
// the persisted patch set. Repeated builds without intervening edits
// produce byte-identical workspaces.
func (p *Project) Build(ctx context.Context, force bool) error {
	snapshots, err := p.ResolveAll(ctx, false)
	if err != nil {
		return err
	}

	for i, mo := range p.manifest.Origins {
		ps, err := p.loadPatchSet(ctx, mo)
		if err != nil {
			return err
		}
		if _, err := p.mat.Build(ctx, snapshots[i].Digest, ps, p.targetDir(mo), force); err != nil {
			return fmt.Errorf("build %s: %w", mo.Target, err)
		}
	}
	return nil
}

// Extract distills each workspace's edits into its patch set directory.
// Extracting twice without intervening edits produces byte-identical
// patch set files.
func (p *Project) Extract(ctx context.Context) error {
	for _, mo := range p.manifest.Origins {
		if err := p.extractOne(ctx, mo); err != nil {
			return fmt.Errorf("extract %s: %w", mo.Target, err)
		}
	}
	return nil
}

func (p *Project) extractOne(ctx context.Context, mo ManifestOrigin) error {
	dir := p.targetDir(mo)
	state, err := ReadState(dir)
	if err != nil {
		return err
	}
	if !p.store.Has(ctx, string(state.Pristine)) {
		return &UnknownBaseError{Dir: dir, Pristine: state.Pristine}
	}

	base, err := LoadSnapshot(ctx, p.store, state.Pristine)
	if err != nil {
		return err
	}

	tree, err := p.mat.ReadTree(ctx, dir, p.normalizeFor(mo))
	if err != nil {
		return err
	}

	ps := Diff(base.Tree, tree)
	if err := EncodePatchSet(ctx, p.store, ps, p.patchDir(mo), p.manifest.Overwrite); err != nil {
		return err
	}

	state.PatchSet = ps.Digest()
	return WriteState(dir, state)
}

// OriginStatus summarizes one origin's workspace against its base.
type OriginStatus struct {
	Origin  ManifestOrigin
	Built   bool
	Changes []PatchEntry
}

// Status reports, per origin, the tree-level changes currently in the
// workspace relative to its pristine base. Nothing is written.
func (p *Project) Status(ctx context.Context) ([]OriginStatus, error) {
	var statuses []OriginStatus
	for _, mo := range p.manifest.Origins {
		dir := p.targetDir(mo)
		state, err := ReadState(dir)
		if err != nil {
			statuses = append(statuses, OriginStatus{Origin: mo})
			continue
		}
		if !p.store.Has(ctx, string(state.Pristine)) {
			return nil, &UnknownBaseError{Dir: dir, Pristine: state.Pristine}
		}

		base, err := LoadSnapshot(ctx, p.store, state.Pristine)
		if err != nil {
			return nil, err
		}
		tree, err := p.mat.ReadTree(ctx, dir, p.normalizeFor(mo))
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, OriginStatus{
			Origin:  mo,
			Built:   true,
			Changes: Diff(base.Tree, tree).Entries,
		})
	}
	return statuses, nil
}

// GC evicts least-recently-used blobs until the store fits limit bytes.
func (p *Project) GC(ctx context.Context, limit int64) (int64, error) {
	return p.store.Evict(ctx, limit)
}

func (p *Project) loadPatchSet(ctx context.Context, mo ManifestOrigin) (*PatchSet, error) {
	dir := p.patchDir(mo)
	if _, err := os.Stat(filepath.Join(dir, indexName)); err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no patches yet
		}
		return nil, err
	}
	return DecodePatchSet(ctx, p.store, dir)
}

// Push uploads every resolved snapshot (tree manifests plus blobs) to
// the configured registry so another machine can build without
// re-fetching upstream.
func (p *Project) Push(ctx context.Context) error {
	if p.registry == nil {
		return ErrNoRemote
	}

	objects := make(map[string][]byte)
	var rootLines []string
	for _, mo := range p.manifest.Origins {
		key := mo.Origin().CacheKey()
		digest, err := p.store.GetRef(key)
		if err != nil {
			return fmt.Errorf("push: origin %s is not resolved: %w", mo.Origin(), err)
		}

		snap, err := LoadSnapshot(ctx, p.store, Digest(digest))
		if err != nil {
			return err
		}
		objects[digest] = snap.Tree.Encode()
		for _, path := range snap.Tree.Paths() {
			entry := snap.Tree[path]
			data, err := p.store.Get(ctx, string(entry.Digest))
			if err != nil {
				return fmt.Errorf("push: blob for %s: %w", path, err)
			}
			objects[string(entry.Digest)] = data
		}
		rootLines = append(rootLines, key+"\t"+digest)
	}

	sort.Strings(rootLines)
	rootBlob := []byte(strings.Join(rootLines, "\n") + "\n")
	rootDigest, err := p.store.Put(ctx, rootBlob)
	if err != nil {
		return err
	}
	objects[rootDigest] = rootBlob

	prefixes, err := p.loadPrefixState()
	if err != nil {
		return err
	}
	next, err := p.registry.Push(ctx, rootDigest, objects, prefixes)
	if err != nil {
		return err
	}
	return p.savePrefixState(next)
}

// Pull downloads snapshots from the configured registry into the local
// store and records their origin refs.
func (p *Project) Pull(ctx context.Context) error {
	if p.registry == nil {
		return ErrNoRemote
	}

	prefixes, err := p.loadPrefixState()
	if err != nil {
		return err
	}
	rootDigest, objects, next, err := p.registry.Pull(ctx, prefixes)
	if err != nil {
		return err
	}

	for _, data := range objects {
		if _, err := p.store.Put(ctx, data); err != nil {
			return fmt.Errorf("pull: store object: %w", err)
		}
	}

	rootBlob, ok := objects[rootDigest]
	if !ok {
		rootBlob, err = p.store.Get(ctx, rootDigest)
		if err != nil {
			return fmt.Errorf("pull: load root manifest: %w", err)
		}
	}

	for _, line := range bytes.Split(bytes.TrimSpace(rootBlob), []byte{'\n'}) {
		key, digest, ok := strings.Cut(string(line), "\t")
		if !ok {
			return fmt.Errorf("pull: malformed root manifest line %q", line)
		}
		if err := p.store.PutRef(key, digest); err != nil {
			return err
		}
	}

	return p.savePrefixState(next)
}

func (p *Project) prefixStatePath() string {
	name := p.opts.Remote
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, ":", "_")
	return filepath.Join(p.opts.CacheDir, "remote", name+".json")
}

func (p *Project) loadPrefixState() (map[string]remote.PrefixInfo, error) {
	data, err := os.ReadFile(p.prefixStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var state map[string]remote.PrefixInfo
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse remote state: %w", err)
	}
	return state, nil
}

func (p *Project) savePrefixState(state map[string]remote.PrefixInfo) error {
	path := p.prefixStatePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
