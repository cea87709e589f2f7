package patchup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestProject lays out a project root with a manifest pointing at a
// local upstream tree, and opens it against a throwaway cache.
func newTestProject(t *testing.T, upstream map[string]string) (*Project, string) {
	t.Helper()

	upstreamDir := writeTestTree(t, upstream)
	root := t.TempDir()
	manifest := "origins:\n" +
		"  - kind: local-path\n" +
		"    location: " + upstreamDir + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestName), []byte(manifest), 0644))

	project, err := Open(root, WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { project.Close() })
	return project, root
}

// copyFS mirrors os.CopyFS (added in Go 1.23) for toolchains that predate it.
func copyFS(dir string, fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(p))
		if d.IsDir() {
			return os.MkdirAll(dst, 0777)
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0666)
	})
}

func readDirBytes(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	project, root := newTestProject(t, map[string]string{
		"main.c":   "#include <stdio.h>\n\nint main(void) { return 0; }\n",
		"util.c":   "int helper(void) { return 1; }\n",
		"Makefile": "all:\n\tcc main.c util.c\n",
	})

	srcDir := filepath.Join(root, "src")
	patchDir := filepath.Join(root, "patches")

	// Build materializes the pristine tree.
	require.NoError(t, project.Build(ctx, false))
	assert.FileExists(t, filepath.Join(srcDir, "main.c"))

	// Edit the workspace: modify one file, add another, drop a third.
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "main.c"),
		[]byte("#include <stdio.h>\n\nint main(void) { return 42; }\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "patch.h"), []byte("#define PATCHED 1\n"), 0644))
	require.NoError(t, os.Remove(filepath.Join(srcDir, "util.c")))

	// Extract distills the edits into the patch directory.
	require.NoError(t, project.Extract(ctx))
	assert.FileExists(t, filepath.Join(patchDir, "patchset.txt"))
	assert.FileExists(t, filepath.Join(patchDir, "patches", "main.c.patch"))
	assert.FileExists(t, filepath.Join(patchDir, "files", "patch.h"))

	firstExtract := readDirBytes(t, patchDir)

	t.Run("extract is idempotent", func(t *testing.T) {
		require.NoError(t, project.Extract(ctx))
		assert.Equal(t, firstExtract, readDirBytes(t, patchDir))
	})

	t.Run("rebuild reproduces the edited workspace", func(t *testing.T) {
		before := readDirBytes(t, srcDir)
		require.NoError(t, project.Build(ctx, false))
		assert.Equal(t, before, readDirBytes(t, srcDir))
		assert.NoFileExists(t, filepath.Join(srcDir, "util.c"))
	})

	t.Run("status reports the patch set changes", func(t *testing.T) {
		statuses, err := project.Status(ctx)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.True(t, statuses[0].Built)
		assert.Len(t, statuses[0].Changes, 3)
	})

	t.Run("extract after rebuild changes nothing", func(t *testing.T) {
		require.NoError(t, project.Extract(ctx))
		assert.Equal(t, firstExtract, readDirBytes(t, patchDir))
	})
}

func TestProjectBuildOnCleanClone(t *testing.T) {
	// Simulates a fresh checkout of the fork repo: manifest plus patches,
	// no workspace, empty cache.
	ctx := context.Background()
	upstream := map[string]string{
		"lib.c": "int f(void) { return 0; }\n",
		"lib.h": "int f(void);\n",
	}

	first, root1 := newTestProject(t, upstream)
	require.NoError(t, first.Build(ctx, false))
	require.NoError(t, os.WriteFile(filepath.Join(root1, "src", "lib.c"),
		[]byte("int f(void) { return 7; }\n"), 0644))
	require.NoError(t, first.Extract(ctx))

	// Second project shares only the manifest and patch directory.
	upstreamDir := writeTestTree(t, upstream)
	root2 := t.TempDir()
	manifest := "origins:\n  - kind: local-path\n    location: " + upstreamDir + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(root2, ManifestName), []byte(manifest), 0644))
	require.NoError(t, copyFS(filepath.Join(root2, "patches"), os.DirFS(filepath.Join(root1, "patches"))))

	second, err := Open(root2, WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.Build(ctx, false))
	assert.Equal(t, readDirBytes(t, filepath.Join(root1, "src")), readDirBytes(t, filepath.Join(root2, "src")))
}

func TestProjectExtractUnknownBase(t *testing.T) {
	ctx := context.Background()
	project, root := newTestProject(t, map[string]string{"a.txt": "a\n"})
	require.NoError(t, project.Build(ctx, false))

	// Rewrite the recorded base to a digest the store has never seen.
	require.NoError(t, WriteState(filepath.Join(root, "src"),
		&WorkspaceState{Pristine: NewDigest([]byte("vanished"))}))

	err := project.Extract(ctx)
	var uerr *UnknownBaseError
	assert.ErrorAs(t, err, &uerr)
}

func TestProjectStatusUnbuilt(t *testing.T) {
	project, _ := newTestProject(t, map[string]string{"a.txt": "a\n"})
	statuses, err := project.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Built)
}

func TestProjectPushWithoutRemote(t *testing.T) {
	project, _ := newTestProject(t, map[string]string{"a.txt": "a\n"})
	assert.ErrorIs(t, project.Push(context.Background()), ErrNoRemote)
	assert.ErrorIs(t, project.Pull(context.Background()), ErrNoRemote)
}
