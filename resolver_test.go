package patchup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestTree lays files out under a temp directory. Keys ending in
// "@" declare symlinks whose value is the target.
func writeTestTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		if len(p) > 0 && p[len(p)-1] == '@' {
			require.NoError(t, os.Symlink(content, full[:len(full)-1]))
			continue
		}
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	return root
}

func dirFetcher(t *testing.T, dir string, calls *int) FetchFunc {
	t.Helper()
	return func(ctx context.Context, origin Origin) (*Fetched, error) {
		if calls != nil {
			*calls++
		}
		return &Fetched{Dir: dir}, nil
	}
}

func newTestResolver(t *testing.T, fetch FetchFunc) (*Resolver, Store) {
	t.Helper()
	st := newTestStore(t)
	r := NewResolver(st, fetch, 2)
	r.progress = io.Discard
	return r, st
}

func TestResolverResolve(t *testing.T) {
	ctx := context.Background()
	origin := Origin{Kind: OriginLocal, Location: "/some/dir"}

	t.Run("snapshot matches the source tree", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{
			"main.go":     "package main\n",
			"sub/util.go": "package sub\n",
		})
		r, st := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)
		assert.Len(t, snap.Tree, 2)
		assert.Equal(t, snap.Tree.Digest(), snap.Digest)

		// Tree encoding and every blob are in the store.
		loaded, err := LoadSnapshot(ctx, st, snap.Digest)
		require.NoError(t, err)
		assert.True(t, loaded.Tree.Equal(snap.Tree))
		for _, e := range snap.Tree {
			assert.True(t, st.Has(ctx, string(e.Digest)))
		}
	})

	t.Run("second resolve hits the cache", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{"a.txt": "a\n"})
		calls := 0
		r, _ := newTestResolver(t, dirFetcher(t, dir, &calls))

		first, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)
		second, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)

		assert.Equal(t, 1, calls)
		assert.Equal(t, first.Digest, second.Digest)
	})

	t.Run("refresh bypasses the cache", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{"a.txt": "a\n"})
		calls := 0
		r, _ := newTestResolver(t, dirFetcher(t, dir, &calls))

		_, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)
		_, err = r.Refresh(ctx, origin, Normalize{})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("identical content from different paths shares blobs", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{
			"a/dup.txt": "same content\n",
			"b/dup.txt": "same content\n",
		})
		r, _ := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)
		assert.Equal(t, snap.Tree["a/dup.txt"].Digest, snap.Tree["b/dup.txt"].Digest)
	})

	t.Run("empty tree is rejected", func(t *testing.T) {
		r, _ := newTestResolver(t, dirFetcher(t, t.TempDir(), nil))
		_, err := r.Resolve(ctx, origin, Normalize{})
		assert.ErrorIs(t, err, ErrEmptyTree)
	})

	t.Run("invalid origin is rejected", func(t *testing.T) {
		r, _ := newTestResolver(t, dirFetcher(t, t.TempDir(), nil))
		_, err := r.Resolve(ctx, Origin{Kind: "bogus", Location: "x"}, Normalize{})
		var oerr *OriginError
		assert.ErrorAs(t, err, &oerr)
	})
}

func TestResolverNormalization(t *testing.T) {
	ctx := context.Background()
	origin := Origin{Kind: OriginLocal, Location: "/some/dir"}

	t.Run("vcs metadata is stripped", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{
			"main.go":          "package main\n",
			".git/config":      "[core]\n",
			".git/HEAD":        "ref: refs/heads/main\n",
			"vendor/.hg/state": "x",
		})
		r, _ := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)
		assert.Equal(t, []string{"main.go"}, snap.Tree.Paths())
	})

	t.Run("ignore globs exclude paths", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{
			"main.go":       "package main\n",
			"main_test.go":  "package main\n",
			"build/out.bin": "bin",
		})
		r, _ := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{Ignore: []string{"*_test.go", "build/*"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"main.go"}, snap.Tree.Paths())
	})

	t.Run("crlf normalizes to lf when declared", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{"win.txt": "line one\r\nline two\r\n"})
		r, st := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{LineEndings: true})
		require.NoError(t, err)

		data, err := st.Get(ctx, string(snap.Tree["win.txt"].Digest))
		require.NoError(t, err)
		assert.Equal(t, "line one\nline two\n", string(data))
	})

	t.Run("crlf preserved by default", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{"win.txt": "line one\r\n"})
		r, st := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)

		data, err := st.Get(ctx, string(snap.Tree["win.txt"].Digest))
		require.NoError(t, err)
		assert.Equal(t, "line one\r\n", string(data))
	})

	t.Run("symlinks become target-text entries", func(t *testing.T) {
		dir := writeTestTree(t, map[string]string{
			"real.txt": "content\n",
			"link@":    "real.txt",
		})
		r, st := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)
		require.Contains(t, snap.Tree, "link")
		assert.Equal(t, KindSymlink, snap.Tree["link"].Kind)

		data, err := st.Get(ctx, string(snap.Tree["link"].Digest))
		require.NoError(t, err)
		assert.Equal(t, "real.txt", string(data))
	})

	t.Run("executable bit becomes kind executable", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0755))
		r, _ := newTestResolver(t, dirFetcher(t, dir, nil))

		snap, err := r.Resolve(ctx, origin, Normalize{})
		require.NoError(t, err)
		assert.Equal(t, KindExecutable, snap.Tree["run.sh"].Kind)
	})
}

func TestResolveDeterministicDigest(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"a.txt":       "alpha\n",
		"b/c.txt":     "beta\n",
		"d/e/f.txt":   "gamma\n",
		"z/last.txt":  "omega\n",
		"m/mid.txt":   "mu\n",
		"0/first.txt": "zero\n",
	}

	resolveOnce := func() Digest {
		dir := writeTestTree(t, files)
		r, _ := newTestResolver(t, dirFetcher(t, dir, nil))
		snap, err := r.Resolve(ctx, Origin{Kind: OriginLocal, Location: "/x"}, Normalize{})
		require.NoError(t, err)
		return snap.Digest
	}

	first := resolveOnce()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, resolveOnce())
	}
}
