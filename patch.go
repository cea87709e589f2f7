package patchup

import (
	"fmt"
	"sort"
)

// Op is the patch entry operation. The numeric order is the apply order
// at any shared path: removals and renames clear paths before additions
// fill them.
type Op uint8

const (
	OpRemove Op = iota
	OpRename
	OpModify
	OpAdd
)

func (op Op) String() string {
	switch op {
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpModify:
		return "modify"
	case OpAdd:
		return "add"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// PatchEntry is one tree-level change. Which fields are meaningful
// depends on Op:
//
//	OpAdd:    Path, Digest, Kind
//	OpRemove: Path
//	OpModify: Path, OldDigest, Digest, Kind, and optionally TextPatch
//	OpRename: OldPath, Path, Digest, Kind
type PatchEntry struct {
	Op        Op
	Path      string
	OldPath   string
	Digest    Digest
	OldDigest Digest
	Kind      FileKind

	// TextPatch carries the serialized text patch for a modify decoded
	// from a persisted patch set. Empty when the new blob is expected in
	// the content store.
	TextPatch string
}

// sortPath is the path an entry is ordered under: renames order by the
// path they vacate.
func (e PatchEntry) sortPath() string {
	if e.Op == OpRename {
		return e.OldPath
	}
	return e.Path
}

func (e PatchEntry) String() string {
	switch e.Op {
	case OpRename:
		return fmt.Sprintf("rename %s -> %s", e.OldPath, e.Path)
	default:
		return fmt.Sprintf("%s %s", e.Op, e.Path)
	}
}

// PatchSet is an ordered, deterministic description of the difference
// between a base tree and a target tree. Base records the pristine
// snapshot digest the set was computed against.
type PatchSet struct {
	Base    Digest
	Entries []PatchEntry
}

// sortEntries fixes the deterministic entry order: lexicographic by the
// path an entry acts on first, removals before additions on ties. Two
// diffs over structurally equal trees serialize byte-identically because
// of this pass.
func (ps *PatchSet) sortEntries() {
	sort.Slice(ps.Entries, func(i, j int) bool {
		a, b := ps.Entries[i], ps.Entries[j]
		if ap, bp := a.sortPath(), b.sortPath(); ap != bp {
			return ap < bp
		}
		return a.Op < b.Op
	})
}

// Empty reports whether the patch set carries no changes.
func (ps *PatchSet) Empty() bool {
	return ps == nil || len(ps.Entries) == 0
}

// Digest identifies the patch set value by its canonical index encoding.
func (ps *PatchSet) Digest() Digest {
	return NewDigest(ps.encodeIndex())
}
