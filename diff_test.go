package patchup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	base := Tree{
		"main.go":   entryOf("package main\n"),
		"util.go":   entryOf("package main\n\nfunc helper() {}\n"),
		"README.md": entryOf("upstream readme\n"),
	}

	t.Run("identical trees produce an empty set", func(t *testing.T) {
		ps := Diff(base, base.Clone())
		assert.True(t, ps.Empty())
		assert.Equal(t, base.Digest(), ps.Base)
	})

	t.Run("add remove modify", func(t *testing.T) {
		target := base.Clone()
		target["extra.go"] = entryOf("package main\n\nvar x = 1\n")
		target["main.go"] = entryOf("package main\n\nfunc main() {}\n")
		delete(target, "README.md")

		ps := Diff(base, target)
		require.Len(t, ps.Entries, 3)

		byPath := map[string]PatchEntry{}
		for _, e := range ps.Entries {
			byPath[e.Path] = e
		}
		assert.Equal(t, OpRemove, byPath["README.md"].Op)
		assert.Equal(t, OpAdd, byPath["extra.go"].Op)

		mod := byPath["main.go"]
		assert.Equal(t, OpModify, mod.Op)
		assert.Equal(t, base["main.go"].Digest, mod.OldDigest)
		assert.Equal(t, target["main.go"].Digest, mod.Digest)
	})

	t.Run("kind change is a modify", func(t *testing.T) {
		target := base.Clone()
		target["util.go"] = Entry{Digest: base["util.go"].Digest, Kind: KindExecutable}

		ps := Diff(base, target)
		require.Len(t, ps.Entries, 1)
		assert.Equal(t, OpModify, ps.Entries[0].Op)
		assert.Equal(t, KindExecutable, ps.Entries[0].Kind)
	})
}

func TestDiffRenames(t *testing.T) {
	base := Tree{
		"old/name.go": entryOf("package old\n"),
		"keep.go":     entryOf("package keep\n"),
	}

	t.Run("unambiguous move becomes a rename", func(t *testing.T) {
		target := Tree{
			"new/name.go": base["old/name.go"],
			"keep.go":     base["keep.go"],
		}

		ps := Diff(base, target)
		require.Len(t, ps.Entries, 1)
		e := ps.Entries[0]
		assert.Equal(t, OpRename, e.Op)
		assert.Equal(t, "old/name.go", e.OldPath)
		assert.Equal(t, "new/name.go", e.Path)
	})

	t.Run("ambiguous destinations stay as add and remove", func(t *testing.T) {
		target := Tree{
			"copy1.go": base["old/name.go"],
			"copy2.go": base["old/name.go"],
			"keep.go":  base["keep.go"],
		}

		ps := Diff(base, target)
		ops := map[Op]int{}
		for _, e := range ps.Entries {
			ops[e.Op]++
		}
		assert.Equal(t, 0, ops[OpRename])
		assert.Equal(t, 1, ops[OpRemove])
		assert.Equal(t, 2, ops[OpAdd])
	})

	t.Run("ambiguous sources stay as add and remove", func(t *testing.T) {
		dup := entryOf("same content\n")
		base := Tree{"a.txt": dup, "b.txt": dup}
		target := Tree{"c.txt": dup, "b.txt": dup}

		ps := Diff(base, target)
		for _, e := range ps.Entries {
			assert.NotEqual(t, OpRename, e.Op)
		}
	})

	t.Run("kind change blocks rename coalescing", func(t *testing.T) {
		target := Tree{
			"new/name.go": {Digest: base["old/name.go"].Digest, Kind: KindExecutable},
			"keep.go":     base["keep.go"],
		}

		ps := Diff(base, target)
		require.Len(t, ps.Entries, 2)
		for _, e := range ps.Entries {
			assert.NotEqual(t, OpRename, e.Op)
		}
	})
}

func TestDiffDeterministicOrder(t *testing.T) {
	base := Tree{
		"a.txt": entryOf("a"),
		"b.txt": entryOf("b"),
		"c.txt": entryOf("c"),
	}
	target := Tree{
		"a.txt": entryOf("changed"),
		"d.txt": entryOf("d"),
		"e.txt": entryOf("b"), // rename of b.txt
	}

	first := Diff(base, target)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first.Entries, Diff(base, target).Entries)
	}
	assert.Equal(t, first.Digest(), Diff(base, target).Digest())

	// Order is lexicographic by the acted-on path, removes before adds.
	var paths []string
	for _, e := range first.Entries {
		paths = append(paths, e.sortPath())
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt", "d.txt"}, paths)
}

func TestApplyRoundTrip(t *testing.T) {
	base := Tree{
		"src/main.go": entryOf("package main\n"),
		"src/util.go": entryOf("package main\n\nfunc helper() {}\n"),
		"docs/a.md":   entryOf("docs\n"),
		"run.sh":      {Digest: NewDigest([]byte("#!/bin/sh\n")), Kind: KindExecutable},
	}

	cases := map[string]func(Tree) Tree{
		"no changes": func(t Tree) Tree { return t },
		"adds only": func(t Tree) Tree {
			t["new.go"] = entryOf("new\n")
			return t
		},
		"removes only": func(t Tree) Tree {
			delete(t, "docs/a.md")
			return t
		},
		"everything removed": func(t Tree) Tree {
			return Tree{}
		},
		"modify and rename": func(t Tree) Tree {
			t["src/main.go"] = entryOf("package main\n\nfunc main() {}\n")
			t["src/helper.go"] = t["src/util.go"]
			delete(t, "src/util.go")
			return t
		},
		"everything at once": func(t Tree) Tree {
			t["src/main.go"] = entryOf("v2\n")
			t["added.txt"] = entryOf("added\n")
			t["moved.sh"] = t["run.sh"]
			delete(t, "run.sh")
			delete(t, "docs/a.md")
			return t
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			target := mutate(base.Clone())

			ps := Diff(base, target)
			got, err := Apply(base, ps)
			require.NoError(t, err)
			assert.True(t, got.Equal(target), "apply(base, diff(base, target)) must equal target")

			// Re-diffing the rebuilt tree yields nothing.
			assert.True(t, Diff(got, target).Empty())
		})
	}
}

func TestApplyConflicts(t *testing.T) {
	base := Tree{
		"a.txt": entryOf("a"),
		"b.txt": entryOf("b"),
	}

	t.Run("reports every conflict, not just the first", func(t *testing.T) {
		ps := &PatchSet{Base: base.Digest(), Entries: []PatchEntry{
			{Op: OpRemove, Path: "missing1.txt"},
			{Op: OpModify, Path: "missing2.txt", OldDigest: NewDigest([]byte("x")), Digest: NewDigest([]byte("y"))},
			{Op: OpModify, Path: "a.txt", OldDigest: NewDigest([]byte("wrong")), Digest: NewDigest([]byte("y"))},
		}}

		_, err := Apply(base, ps)
		var cerr *ConflictError
		require.ErrorAs(t, err, &cerr)
		require.Len(t, cerr.Conflicts, 3)

		paths := []string{cerr.Conflicts[0].Path, cerr.Conflicts[1].Path, cerr.Conflicts[2].Path}
		assert.ElementsMatch(t, []string{"missing1.txt", "missing2.txt", "a.txt"}, paths)
	})

	t.Run("base is never mutated on conflict", func(t *testing.T) {
		ps := &PatchSet{Entries: []PatchEntry{
			{Op: OpRemove, Path: "a.txt"},
			{Op: OpRemove, Path: "missing.txt"},
		}}

		_, err := Apply(base, ps)
		require.Error(t, err)
		assert.Contains(t, base, "a.txt")
	})

	t.Run("add over identical content is a no-op", func(t *testing.T) {
		ps := &PatchSet{Entries: []PatchEntry{
			{Op: OpAdd, Path: "a.txt", Digest: base["a.txt"].Digest, Kind: KindRegular},
		}}

		got, err := Apply(base, ps)
		require.NoError(t, err)
		assert.True(t, got.Equal(base))
	})

	t.Run("add over different content conflicts", func(t *testing.T) {
		ps := &PatchSet{Entries: []PatchEntry{
			{Op: OpAdd, Path: "a.txt", Digest: NewDigest([]byte("other")), Kind: KindRegular},
		}}

		_, err := Apply(base, ps)
		var cerr *ConflictError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "a.txt", cerr.Conflicts[0].Path)
	})

	t.Run("rename source content mismatch conflicts", func(t *testing.T) {
		ps := &PatchSet{Entries: []PatchEntry{
			{Op: OpRename, OldPath: "a.txt", Path: "c.txt", Digest: NewDigest([]byte("other"))},
		}}

		_, err := Apply(base, ps)
		var cerr *ConflictError
		require.ErrorAs(t, err, &cerr)
	})
}

func TestApplyRenameIntoVacatedPath(t *testing.T) {
	// b.txt is removed and a.txt renamed into its place in the same set.
	// The remove clears the path before the rename destination fills it.
	base := Tree{"a.txt": entryOf("a"), "b.txt": entryOf("b")}
	ps := &PatchSet{Base: base.Digest(), Entries: []PatchEntry{
		{Op: OpRemove, Path: "b.txt"},
		{Op: OpRename, OldPath: "a.txt", Path: "b.txt", Digest: base["a.txt"].Digest, Kind: KindRegular},
	}}

	got, err := Apply(base, ps)
	require.NoError(t, err)
	assert.True(t, got.Equal(Tree{"b.txt": entryOf("a")}))
}

func TestApplyNilPatchSet(t *testing.T) {
	base := Tree{"a.txt": entryOf("a")}
	got, err := Apply(base, &PatchSet{})
	require.NoError(t, err)
	assert.True(t, got.Equal(base))
}
