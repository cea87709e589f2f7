package patchup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
)

const digestPrefix = "sha256:"

// Digest is a content identifier (e.g., "sha256:abc123...").
type Digest string

// NewDigest computes the digest of raw bytes.
func NewDigest(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest(digestPrefix + hex.EncodeToString(h[:]))
}

// Short returns a truncated digest for display.
func (d Digest) Short() string {
	s := strings.TrimPrefix(string(d), digestPrefix)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// FileKind tags how a tree entry materializes on disk.
type FileKind uint8

const (
	KindRegular FileKind = iota
	KindExecutable
	// KindSymlink entries store the link target text as their blob.
	KindSymlink
)

func (k FileKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindExecutable:
		return "executable"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func parseFileKind(s string) (FileKind, error) {
	switch s {
	case "regular":
		return KindRegular, nil
	case "executable":
		return KindExecutable, nil
	case "symlink":
		return KindSymlink, nil
	default:
		return 0, fmt.Errorf("unknown file kind %q", s)
	}
}

// validatePath rejects tree paths that could escape a materialization
// root: absolute paths, traversal, backslash separators, and any form
// that is not already slash-clean.
func validatePath(p string) error {
	if p == "" || strings.Contains(p, "\\") {
		return fmt.Errorf("unsafe path %q", p)
	}
	clean := path.Clean(p)
	if clean != p || path.IsAbs(p) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("unsafe path %q", p)
	}
	return nil
}

// Entry is the blob digest and mode tag for one tree path.
type Entry struct {
	Digest Digest
	Kind   FileKind
}

// Tree is an ordered mapping from slash-separated relative path to entry.
// Ordering is imposed at iteration and encoding time; the map itself is a
// flat path index with no parent pointers.
type Tree map[string]Entry

// Paths returns all paths in lexicographic order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Digest computes the tree's content digest over its sorted
// (path, blob digest, kind) triples. Structurally equal trees always
// produce the same digest.
func (t Tree) Digest() Digest {
	return NewDigest(t.Encode())
}

// Encode renders the canonical byte form of the tree: one line per entry,
// sorted by path, fields separated by NUL.
func (t Tree) Encode() []byte {
	var buf bytes.Buffer
	for _, p := range t.Paths() {
		e := t[p]
		buf.WriteString(p)
		buf.WriteByte(0)
		buf.WriteString(string(e.Digest))
		buf.WriteByte(0)
		buf.WriteString(e.Kind.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// DecodeTree parses the canonical byte form produced by Encode.
func DecodeTree(data []byte) (Tree, error) {
	tree := make(Tree)
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		fields := bytes.Split(line, []byte{0})
		if len(fields) != 3 {
			return nil, fmt.Errorf("tree entry %d: expected 3 fields, got %d", i, len(fields))
		}
		kind, err := parseFileKind(string(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("tree entry %d: %w", i, err)
		}
		tree[string(fields[0])] = Entry{Digest: Digest(fields[1]), Kind: kind}
	}
	return tree, nil
}

// Equal reports structural equality.
func (t Tree) Equal(other Tree) bool {
	if len(t) != len(other) {
		return false
	}
	for p, e := range t {
		if oe, ok := other[p]; !ok || oe != e {
			return false
		}
	}
	return true
}

// Clone returns a copy of the tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for p, e := range t {
		out[p] = e
	}
	return out
}

// CaseCollisions returns the groups of distinct paths that collide after
// case folding, each group sorted, groups ordered by their folded key.
// Collisions are reported as warnings by callers, never merged.
func (t Tree) CaseCollisions() [][]string {
	folded := make(map[string][]string)
	for p := range t {
		key := strings.ToLower(p)
		folded[key] = append(folded[key], p)
	}

	keys := make([]string, 0, len(folded))
	for k, group := range folded {
		if len(group) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var groups [][]string
	for _, k := range keys {
		group := folded[k]
		sort.Strings(group)
		groups = append(groups, group)
	}
	return groups
}
