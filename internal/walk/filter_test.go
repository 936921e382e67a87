package walk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgscout/imgscout/internal/logging"
)

func TestFilter_GlobalIgnoreFile(t *testing.T) {
	// Given: a data-dir ignore file and a photo tree
	root := t.TempDir()
	writeTree(t, root, "2020/a.jpg", "2020/.trash/b.jpg", "exports/c.jpg", "d.png")
	ignore := filepath.Join(t.TempDir(), "ignore")
	require.NoError(t, os.WriteFile(ignore, []byte(".trash/\n/exports\n*.png\n"), 0o644))

	f, err := NewFilter(FilterOptions{Roots: []string{root}, IgnoreFile: ignore})
	require.NoError(t, err)

	// When: walking with the filter
	got := collect(t, New([]string{root}, f.Keep, logging.Discard()))

	// Then: only the unignored file remains
	assert.Equal(t, []string{filepath.Join(root, "2020", "a.jpg")}, got)
}

func TestFilter_MissingIgnoreFileIsEmpty(t *testing.T) {
	root := t.TempDir()
	f, err := NewFilter(FilterOptions{Roots: []string{root}, IgnoreFile: filepath.Join(root, "nope")})

	require.NoError(t, err)
	assert.True(t, f.Keep(filepath.Join(root, "a.jpg"), false))
}

func TestFilter_PerDirectoryIgnoreFiles(t *testing.T) {
	// Given: a nested ignore file scoped to "trip"
	root := t.TempDir()
	writeTree(t, root, "trip/a.jpg", "trip/raw/b.jpg", "raw/c.jpg")
	require.NoError(t, os.WriteFile(filepath.Join(root, "trip", ".scoutignore"), []byte("raw/\n"), 0o644))

	f, err := NewFilter(FilterOptions{Roots: []string{root}, PerDirName: ".scoutignore"})
	require.NoError(t, err)

	// When: walking
	got := collect(t, New([]string{root}, f.Keep, logging.Discard()))

	// Then: trip/raw is pruned but root-level raw is not, and the ignore
	// file itself is never yielded
	assert.ElementsMatch(t, []string{
		filepath.Join(root, "raw", "c.jpg"),
		filepath.Join(root, "trip", "a.jpg"),
	}, got)
}

func TestFilter_Extensions(t *testing.T) {
	root := t.TempDir()
	f, err := NewFilter(FilterOptions{Roots: []string{root}, Extensions: []string{".JPG", "png"}})
	require.NoError(t, err)

	assert.True(t, f.Keep(filepath.Join(root, "a.jpg"), false))
	assert.True(t, f.Keep(filepath.Join(root, "b.PNG"), false))
	assert.False(t, f.Keep(filepath.Join(root, "notes.txt"), false))
	assert.True(t, f.Keep(filepath.Join(root, "folder.txt"), true))
}

func TestFilter_InvalidateReloadsNestedFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "d/a.jpg")
	f, err := NewFilter(FilterOptions{Roots: []string{root}, PerDirName: ".scoutignore"})
	require.NoError(t, err)
	path := filepath.Join(root, "d", "a.jpg")
	require.True(t, f.Keep(path, false))

	require.NoError(t, os.WriteFile(filepath.Join(root, "d", ".scoutignore"), []byte("a.jpg\n"), 0o644))
	assert.True(t, f.Keep(path, false), "cached matcher still used")

	f.Invalidate()
	assert.False(t, f.Keep(path, false))
}
