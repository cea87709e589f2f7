package patchup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/patchup/patchup/internal/store"
)

const (
	metaDirName   = ".patchup"
	stateFileName = "workspace.json"
)

// WorkspaceState records what a workspace on disk was built from. It
// lives at <dir>/.patchup/workspace.json and is how extraction finds its
// base and how build distinguishes a workspace from unrelated content.
type WorkspaceState struct {
	Pristine Digest `json:"pristine"`
	PatchSet Digest `json:"patchSet,omitempty"`
}

// Materializer builds editable working directories from pristine
// snapshots plus patch sets, and reads them back as trees.
type Materializer struct {
	store       store.Store
	concurrency int
}

// NewMaterializer creates a materializer backed by st.
func NewMaterializer(st store.Store, concurrency int) *Materializer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Materializer{store: st, concurrency: concurrency}
}

// Build materializes pristine + ps under dir and records the workspace
// state. A non-empty dir that is not a previously built workspace is
// refused with DirtyTargetError unless force is set. Building twice with
// the same inputs produces a byte-identical workspace.
func (m *Materializer) Build(ctx context.Context, pristine Digest, ps *PatchSet, dir string, force bool) (Tree, error) {
	snap, err := LoadSnapshot(ctx, m.store, pristine)
	if err != nil {
		return nil, err
	}

	target, err := Apply(snap.Tree, ps)
	if err != nil {
		return nil, err
	}
	if err := checkMaterializable(target); err != nil {
		return nil, err
	}
	if !ps.Empty() {
		if err := ps.restoreBlobs(ctx, m.store); err != nil {
			return nil, err
		}
	}

	if err := m.checkTarget(dir, force); err != nil {
		return nil, err
	}
	if err := clearWorkspace(dir); err != nil {
		return nil, fmt.Errorf("clear workspace %s: %w", dir, err)
	}

	for _, p := range target.Paths() {
		entry := target[p]
		data, err := m.store.Get(ctx, string(entry.Digest))
		if err != nil {
			return nil, fmt.Errorf("materialize %s: %w", p, err)
		}

		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("materialize %s: %w", p, err)
		}

		switch entry.Kind {
		case KindSymlink:
			if err := os.Symlink(string(data), full); err != nil {
				return nil, fmt.Errorf("materialize %s: %w", p, err)
			}
		case KindExecutable:
			if err := os.WriteFile(full, data, 0755); err != nil {
				return nil, fmt.Errorf("materialize %s: %w", p, err)
			}
		default:
			if err := os.WriteFile(full, data, 0644); err != nil {
				return nil, fmt.Errorf("materialize %s: %w", p, err)
			}
		}
	}

	state := &WorkspaceState{Pristine: pristine}
	if !ps.Empty() {
		state.PatchSet = ps.Digest()
	}
	if err := WriteState(dir, state); err != nil {
		return nil, err
	}

	return target, nil
}

// ReadTree reads the workspace back into a tree under the same
// normalization rules the resolver applies, registering every blob in
// the content store. The workspace is untrusted input; nothing is
// assumed about how it was edited.
func (m *Materializer) ReadTree(ctx context.Context, dir string, norm Normalize) (Tree, error) {
	files, err := readDirTree(dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace %s: %w", dir, err)
	}

	kept := files[:0]
	for _, f := range files {
		if f.Path == metaDirName || strings.HasPrefix(f.Path, metaDirName+"/") {
			continue
		}
		kept = append(kept, f)
	}

	kept = normalizeFiles(kept, norm)
	tree, err := registerBlobs(ctx, m.store, m.concurrency, kept)
	if err != nil {
		return nil, fmt.Errorf("read workspace %s: %w", dir, err)
	}
	return tree, nil
}

// ReadState loads the recorded workspace state, or ErrNotFound when dir
// was never built.
func ReadState(dir string) (*WorkspaceState, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaDirName, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s is not a workspace", ErrNotFound, dir)
		}
		return nil, err
	}
	var state WorkspaceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse workspace state in %s: %w", dir, err)
	}
	return &state, nil
}

// WriteState records the workspace state under dir.
func WriteState(dir string, state *WorkspaceState) error {
	metaDir := filepath.Join(dir, metaDirName)
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return fmt.Errorf("create workspace metadata dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(metaDir, stateFileName), append(data, '\n'), 0644)
}

// checkMaterializable refuses trees that cannot be written inside a
// single root directory: unsafe paths, and entries nested under another
// entry. The second case is how a symlink entry plus a path routed
// through it would escape the target, since file writes follow symlinks.
func checkMaterializable(target Tree) error {
	for _, p := range target.Paths() {
		if err := validatePath(p); err != nil {
			return fmt.Errorf("materialize: %w", err)
		}
		for anc := path.Dir(p); anc != "."; anc = path.Dir(anc) {
			if _, ok := target[anc]; ok {
				return fmt.Errorf("materialize: path %s is nested under entry %s", p, anc)
			}
		}
	}
	return nil
}

// checkTarget enforces the dirty-target rule: refuse to overwrite a
// non-empty directory that is not a recorded workspace.
func (m *Materializer) checkTarget(dir string, force bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) == 0 || force {
		return nil
	}
	if _, err := ReadState(dir); err == nil {
		return nil
	}
	return &DirtyTargetError{Dir: dir}
}

// clearWorkspace removes workspace content, keeping the metadata dir.
func clearWorkspace(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0755)
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == metaDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
