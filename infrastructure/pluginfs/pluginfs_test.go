package pluginfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRelativeRejectsUnsafePaths(t *testing.T) {
	for _, rel := range []string{"", "/abs", "a/../b", "./a", "a//b", `a\b`, ".."} {
		_, err := SplitRelative(rel)
		assert.ErrorIs(t, err, ErrUnsafePath, rel)
	}
}

func TestReadFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "util.js"), []byte("export {}"), 0644))

	content, err := ReadFile(root, "lib/util.js")
	require.NoError(t, err)
	assert.Equal(t, "export {}", string(content))
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(t.TempDir(), "nope.js")
	assert.Error(t, err)
}

func TestReadFileRejectsSymlinkSegment(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.js"), []byte("x"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "lib")))

	_, err := ReadFile(root, "lib/secret.js")
	assert.ErrorIs(t, err, ErrSymlink)
}

func TestReadFileRejectsSymlinkFinal(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.js")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link.js")))

	_, err := ReadFile(root, "link.js")
	assert.ErrorIs(t, err, ErrSymlink)
}

func TestReadFileRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0755))
	_, err := ReadFile(root, "dir")
	assert.Error(t, err)
}
