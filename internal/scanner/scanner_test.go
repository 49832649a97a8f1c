package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	require.NoError(t, os.WriteFile(path, []byte(content), os.ModePerm))
	return path
}

func TestScanDebouncesUntilStable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.png", "x")

	s := New(dir, false, []string{".png"}, 2)

	// First sighting and the next scan are below the stability threshold.
	assert.Empty(t, s.Scan())
	assert.Empty(t, s.Scan())

	ready := s.Scan()
	require.Len(t, ready, 1)
	assert.Equal(t, path, ready[0])
}

func TestScanResetsCounterOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.png", "x")

	s := New(dir, false, []string{".png"}, 2)
	s.Scan()
	s.Scan()

	// Modify before the file graduates; the counter starts over.
	require.NoError(t, os.WriteFile(path, []byte("grew larger"), os.ModePerm))
	assert.Empty(t, s.Scan())
	assert.Empty(t, s.Scan())
	assert.Len(t, s.Scan(), 1)
}

func TestScanFiltersExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.png", "x")
	writeFile(t, dir, "b.txt", "x")

	s := New(dir, false, []string{".png"}, 1)
	s.Scan()
	ready := s.Scan()
	require.Len(t, ready, 1)
	assert.Equal(t, ".png", filepath.Ext(ready[0]))
}

func TestScanExtensionMatchIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.PNG", "x")

	s := New(dir, false, []string{".png"}, 1)
	s.Scan()
	assert.Len(t, s.Scan(), 1)
}

func TestScanOrdersByModTime(t *testing.T) {
	dir := t.TempDir()
	older := writeFile(t, dir, "b.png", "x")
	newer := writeFile(t, dir, "a.png", "x")

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))

	s := New(dir, false, []string{".png"}, 1)
	s.Scan()
	ready := s.Scan()
	require.Len(t, ready, 2)
	assert.Equal(t, older, ready[0])
	assert.Equal(t, newer, ready[1])
}

func TestScanSubfolders(t *testing.T) {
	dir := t.TempDir()
	nested := writeFile(t, dir, filepath.Join("sub", "a.png"), "x")

	recursive := New(dir, true, []string{".png"}, 1)
	recursive.Scan()
	ready := recursive.Scan()
	require.Len(t, ready, 1)
	assert.Equal(t, nested, ready[0])

	flat := New(dir, false, []string{".png"}, 1)
	flat.Scan()
	assert.Empty(t, flat.Scan())
}

func TestScanMissingFolder(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), false, []string{".png"}, 1)
	assert.Empty(t, s.Scan())
}

func TestScanForgetsRemovedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.png", "x")

	s := New(dir, false, []string{".png"}, 2)
	s.Scan()
	require.NoError(t, os.Remove(path))
	assert.Empty(t, s.Scan())

	// Recreating the file starts a fresh stability window.
	writeFile(t, dir, "a.png", "x")
	assert.Empty(t, s.Scan())
	assert.Empty(t, s.Scan())
	assert.Len(t, s.Scan(), 1)
}

func TestWaitReturnsOnCancel(t *testing.T) {
	s := New(t.TempDir(), false, []string{".png"}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	s.Wait(ctx, time.Minute)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExistingPaths(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.png", "x")
	writeFile(t, dir, "b.txt", "x")

	seen := ExistingPaths(dir, false, []string{".png"})
	assert.Len(t, seen, 1)
	_, ok := seen[a]
	assert.True(t, ok)
}
