package naming

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestRelocateMovesSidecarsAndPrunesDir(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "old", "foo.mkv")
	newPath := filepath.Join(root, "new", "bar.mkv")
	touch(t, oldPath)
	touch(t, filepath.Join(root, "old", "foo.nfo"))
	touch(t, filepath.Join(root, "old", "foo.jpg"))

	moved, err := Relocate(root, oldPath, newPath, "k3y", false)
	require.NoError(t, err)

	assert.FileExists(t, newPath)
	assert.FileExists(t, filepath.Join(root, "new", "bar.nfo"))
	assert.FileExists(t, filepath.Join(root, "new", "bar.jpg"))
	assert.Len(t, moved, 2)

	// Old directory is now empty and gets swept away.
	assert.NoDirExists(t, filepath.Join(root, "old"))
}

func TestRelocateNoOpWhenUnchanged(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a", "foo.mkv")
	touch(t, path)

	moved, err := Relocate(root, path, path, "", false)
	require.NoError(t, err)
	assert.Empty(t, moved)
	assert.FileExists(t, path)
}

func TestRelocateFuzzyKeyMatchRespectsOccupiedDestination(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a", "foo-k3y.mkv")
	newPath := filepath.Join(root, "b", "bar-k3y.mkv")
	touch(t, oldPath)
	touch(t, filepath.Join(root, "a", "sub", "foo-k3y.en.vtt"))
	touch(t, filepath.Join(root, "b", "bar-k3y.en.vtt"))

	moved, err := Relocate(root, oldPath, newPath, "k3y", true)
	require.NoError(t, err)

	// The destination already has a subtitle file; the fuzzy match stays put.
	assert.FileExists(t, filepath.Join(root, "a", "sub", "foo-k3y.en.vtt"))
	assert.Len(t, moved, 0)
}

func TestRelocateFuzzyKeyMatchMoves(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a", "foo-k3y.mkv")
	newPath := filepath.Join(root, "b", "bar-k3y.mkv")
	touch(t, oldPath)
	touch(t, filepath.Join(root, "a", "sub", "foo-k3y.en.vtt"))

	moved, err := Relocate(root, oldPath, newPath, "k3y", true)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "b", "bar-k3y.en.vtt"))
	assert.Len(t, moved, 1)
}

func TestRemoveEmptyDirsStopsAtRoot(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	RemoveEmptyDirs(root, deep)

	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, root)
}

func TestDeleteWithSidecars(t *testing.T) {
	root := t.TempDir()
	media := filepath.Join(root, "2017", "abc.mkv")
	touch(t, media)
	touch(t, filepath.Join(root, "2017", "abc.nfo"))
	touch(t, filepath.Join(root, "2017", "abc.jpg"))
	touch(t, filepath.Join(root, "2017", "abc.info.json"))
	touch(t, filepath.Join(root, "2017", "abc.trickplay", "tile0.jpg"))

	DeleteWithSidecars(root, media)

	assert.NoFileExists(t, media)
	assert.NoDirExists(t, filepath.Join(root, "2017"))
}
