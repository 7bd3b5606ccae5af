package tree

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// MetadataDir is the version control directory that is never scanned
const MetadataDir = ".git"

// ErrDirectory is returned when opening content of a directory entry
var ErrDirectory = errors.New("directory entry has no content")

// Predicate reports whether a path relative to the scan root (slash
// separated, no leading slash) must be excluded
type Predicate func(relPath string, isDir bool) bool

// Entry is a discovered path. Content is opened on demand only.
type Entry struct {
	// Path is the logical path, rooted at "/", directories end with "/"
	Path string
	Dir  bool

	fs       afero.Fs
	fullPath string
}

// NewEntry creates an entry backed by a file at fullPath on fsys
func NewEntry(fsys afero.Fs, logicalPath, fullPath string, dir bool) Entry {
	return Entry{Path: logicalPath, Dir: dir, fs: fsys, fullPath: fullPath}
}

// Open opens the entry content. The caller owns the returned stream.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.Dir {
		return nil, ErrDirectory
	}
	if e.fs == nil {
		return nil, fmt.Errorf("entry %s has no backing filesystem", e.Path)
	}
	return e.fs.Open(e.fullPath)
}

// Depth is the number of separators in a logical path
func Depth(logicalPath string) int {
	return strings.Count(logicalPath, "/")
}

// Entries maps logical paths to discovered entries
type Entries map[string]Entry

// Sorted returns the entries by ascending depth, parents before children.
// Entries of equal depth are ordered by path.
func (e Entries) Sorted() []Entry {
	out := make([]Entry, 0, len(e))
	for _, entry := range e {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := Depth(out[i].Path), Depth(out[j].Path)
		if di != dj {
			return di < dj
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Paths returns the logical paths in sorted order
func (e Entries) Paths() []string {
	sorted := e.Sorted()
	paths := make([]string, 0, len(sorted))
	for _, entry := range sorted {
		paths = append(paths, entry.Path)
	}
	return paths
}

// Scan walks root and returns every entry below it, excluding root itself.
// Without recurse only direct children are returned. Entries inside the
// version control metadata directory are always skipped; ignored may be nil.
func Scan(fsys afero.Fs, root string, recurse bool, ignored Predicate) (Entries, error) {
	entries := make(Entries)
	root = filepath.Clean(root)

	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if info.Name() == MetadataDir {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if ignored != nil && ignored(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		logical := "/" + rel
		if info.IsDir() {
			logical += "/"
		}
		entries[logical] = NewEntry(fsys, logical, path, info.IsDir())

		if info.IsDir() && !recurse {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	return entries, nil
}
