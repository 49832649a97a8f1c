// Package scanner discovers input files and debounces filesystem churn:
// a file is only reported once its size and modification time have been
// observed unchanged across a configurable number of consecutive scans.
package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type fileInfo struct {
	size        int64
	mtime       time.Time
	stableCount int
}

type Scanner struct {
	folder            string
	includeSubfolders bool
	extensions        map[string]struct{}
	stabilityChecks   int

	// Replaced wholesale on every scan; files that disappear simply
	// vanish from the next map.
	state map[string]fileInfo
}

func New(folder string, includeSubfolders bool, extensions []string, stabilityChecks int) *Scanner {
	if stabilityChecks < 1 {
		stabilityChecks = 1
	}
	extSet := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = struct{}{}
	}
	return &Scanner{
		folder:            folder,
		includeSubfolders: includeSubfolders,
		extensions:        extSet,
		stabilityChecks:   stabilityChecks,
		state:             make(map[string]fileInfo),
	}
}

// Scan walks the input folder and returns the files that have been stable
// for at least the configured number of consecutive scans, ordered by
// modification time ascending.
func (s *Scanner) Scan() []string {
	if _, err := os.Stat(s.folder); err != nil {
		slog.Warn("input folder not found", "folder", s.folder)
		return nil
	}

	type readyFile struct {
		path  string
		mtime time.Time
	}

	newState := make(map[string]fileInfo)
	var ready []readyFile

	for _, path := range s.listFiles() {
		info, err := os.Stat(path)
		if err != nil {
			slog.Warn("failed to stat file", "path", path, "error", err)
			continue
		}

		stableCount := 0
		if prev, ok := s.state[path]; ok && prev.size == info.Size() && prev.mtime.Equal(info.ModTime()) {
			stableCount = prev.stableCount + 1
		}

		newState[path] = fileInfo{size: info.Size(), mtime: info.ModTime(), stableCount: stableCount}

		if stableCount >= s.stabilityChecks {
			ready = append(ready, readyFile{path: path, mtime: info.ModTime()})
		}
	}

	s.state = newState

	sort.SliceStable(ready, func(i, j int) bool { return ready[i].mtime.Before(ready[j].mtime) })

	paths := make([]string, len(ready))
	for i, f := range ready {
		paths[i] = f.path
	}
	return paths
}

func (s *Scanner) listFiles() []string {
	var paths []string

	if s.includeSubfolders {
		_ = filepath.WalkDir(s.folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && s.matchesExtension(path) {
				paths = append(paths, path)
			}
			return nil
		})
		return paths
	}

	entries, err := os.ReadDir(s.folder)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.folder, entry.Name())
		if s.matchesExtension(path) {
			paths = append(paths, path)
		}
	}
	return paths
}

func (s *Scanner) matchesExtension(path string) bool {
	_, ok := s.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (s *Scanner) Reset() {
	s.state = make(map[string]fileInfo)
}

// Wait suspends the caller for the poll interval, returning early when the
// context is cancelled. It is the scanner's only suspension point.
func (s *Scanner) Wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ExistingPaths snapshots every matching path currently on disk. Used by
// the just_watch run mode to mark startup files as already seen.
func ExistingPaths(folder string, includeSubfolders bool, extensions []string) map[string]struct{} {
	s := New(folder, includeSubfolders, extensions, 1)
	seen := make(map[string]struct{})
	for _, path := range s.listFiles() {
		seen[path] = struct{}{}
	}
	return seen
}
