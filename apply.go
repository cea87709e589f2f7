package patchup

import "fmt"

// Apply replays a patch set onto base and returns the resulting tree.
// Removals, modifications, and rename sources are processed before
// additions so transient path collisions cannot occur. Every conflicting
// path is collected and reported in a single ConflictError rather than
// stopping at the first.
func Apply(base Tree, ps *PatchSet) (Tree, error) {
	result := base.Clone()
	if ps.Empty() {
		return result, nil
	}

	var conflicts []Conflict
	conflict := func(path, format string, args ...any) {
		conflicts = append(conflicts, Conflict{Path: path, Reason: fmt.Sprintf(format, args...)})
	}

	// Pass 1: clear paths (removes, modifies in place, rename sources).
	var pending []PatchEntry
	for _, e := range ps.Entries {
		switch e.Op {
		case OpRemove:
			if _, ok := result[e.Path]; !ok {
				conflict(e.Path, "remove: path not present in base")
				continue
			}
			delete(result, e.Path)

		case OpModify:
			cur, ok := result[e.Path]
			if !ok {
				conflict(e.Path, "modify: path not present in base")
				continue
			}
			if cur.Digest != e.OldDigest {
				conflict(e.Path, "modify: base content is %s, patch expects %s",
					cur.Digest.Short(), e.OldDigest.Short())
				continue
			}
			result[e.Path] = Entry{Digest: e.Digest, Kind: e.Kind}

		case OpRename:
			cur, ok := result[e.OldPath]
			if !ok {
				conflict(e.OldPath, "rename: source path not present in base")
				continue
			}
			if cur.Digest != e.Digest {
				conflict(e.OldPath, "rename: source content is %s, patch expects %s",
					cur.Digest.Short(), e.Digest.Short())
				continue
			}
			delete(result, e.OldPath)
			pending = append(pending, e)

		case OpAdd:
			pending = append(pending, e)
		}
	}

	// Pass 2: fill paths (adds and rename destinations).
	for _, e := range pending {
		incoming := Entry{Digest: e.Digest, Kind: e.Kind}
		if cur, ok := result[e.Path]; ok {
			if cur == incoming {
				continue // identical content already present
			}
			conflict(e.Path, "%s: destination already exists with different content", e.Op)
			continue
		}
		result[e.Path] = incoming
	}

	if len(conflicts) > 0 {
		return nil, &ConflictError{Conflicts: conflicts}
	}
	return result, nil
}
