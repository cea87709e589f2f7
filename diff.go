package patchup

// Diff computes the tree-level difference between base and target. The
// result applied to base reproduces target exactly, and diffing the same
// pair twice yields an identical patch set.
func Diff(base, target Tree) *PatchSet {
	ps := &PatchSet{Base: base.Digest()}

	for path, be := range base {
		te, ok := target[path]
		switch {
		case !ok:
			ps.Entries = append(ps.Entries, PatchEntry{Op: OpRemove, Path: path})
		case te != be:
			ps.Entries = append(ps.Entries, PatchEntry{
				Op:        OpModify,
				Path:      path,
				OldDigest: be.Digest,
				Digest:    te.Digest,
				Kind:      te.Kind,
			})
		}
	}
	for path, te := range target {
		if _, ok := base[path]; !ok {
			ps.Entries = append(ps.Entries, PatchEntry{
				Op:     OpAdd,
				Path:   path,
				Digest: te.Digest,
				Kind:   te.Kind,
			})
		}
	}

	ps.Entries = coalesceRenames(ps.Entries, base, target)
	ps.sortEntries()
	return ps
}

// coalesceRenames is the best-effort rename post-pass: an add and a
// remove merge into a rename when the added content equals the removed
// path's old content and the match is unambiguous on both sides.
// Ambiguous matches stay as independent add/remove pairs rather than
// being guessed at.
func coalesceRenames(entries []PatchEntry, base, target Tree) []PatchEntry {
	removedByContent := make(map[Entry][]int)
	addedByContent := make(map[Entry][]int)
	for i, e := range entries {
		switch e.Op {
		case OpRemove:
			key := base[e.Path]
			removedByContent[key] = append(removedByContent[key], i)
		case OpAdd:
			key := Entry{Digest: e.Digest, Kind: e.Kind}
			addedByContent[key] = append(addedByContent[key], i)
		}
	}

	merged := make(map[int]bool)
	var renames []PatchEntry
	for key, removed := range removedByContent {
		added, ok := addedByContent[key]
		if !ok || len(removed) != 1 || len(added) != 1 {
			continue
		}
		rm, add := entries[removed[0]], entries[added[0]]
		renames = append(renames, PatchEntry{
			Op:      OpRename,
			OldPath: rm.Path,
			Path:    add.Path,
			Digest:  add.Digest,
			Kind:    add.Kind,
		})
		merged[removed[0]] = true
		merged[added[0]] = true
	}

	if len(renames) == 0 {
		return entries
	}

	out := make([]PatchEntry, 0, len(entries)-len(merged)+len(renames))
	for i, e := range entries {
		if !merged[i] {
			out = append(out, e)
		}
	}
	return append(out, renames...)
}
