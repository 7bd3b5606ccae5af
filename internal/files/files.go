// Package files stores namespace files as plain files below a root directory.
package files

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/schaermu/gitsyncd/internal/ignore"
	"github.com/schaermu/gitsyncd/internal/reconcile"
)

// Kind is the resource kind name
const Kind = "files"

// File is a live or written namespace file. Directories carry no digest.
type File struct {
	// Path is the logical path, rooted at "/", directories end with "/"
	Path   string
	Dir    bool
	Digest digest.Digest
	// Tracked is set when the file was written by a previous run
	Tracked bool
}

// Options configure the adapter of one target
type Options struct {
	// Recurse lists live files below subdirectories
	Recurse bool
	// Keep protects matching live entries from deletion
	Keep *ignore.Rules
}

// Adapter reconciles files under <root>/<tenant>/<namespace>
type Adapter struct {
	fs   afero.Fs
	root string
	opts Options

	mu       sync.Mutex
	tracking map[reconcile.Scope]*Tracking
}

var (
	_ reconcile.Adapter[File] = (*Adapter)(nil)
	_ reconcile.Keeper[File]  = (*Adapter)(nil)
)

// NewAdapter creates a files adapter storing below root
func NewAdapter(fsys afero.Fs, root string, opts Options) *Adapter {
	return &Adapter{
		fs:       fsys,
		root:     filepath.Clean(root),
		opts:     opts,
		tracking: make(map[reconcile.Scope]*Tracking),
	}
}

// Kind implements reconcile.Adapter
func (a *Adapter) Kind() string {
	return Kind
}

// ScopeDir returns the directory holding the files of scope
func (a *Adapter) ScopeDir(scope reconcile.Scope) (string, error) {
	for _, part := range []string{scope.Tenant, scope.Namespace} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) || part == trackingDir {
			return "", fmt.Errorf("invalid scope %s", scope)
		}
	}
	return filepath.Join(a.root, scope.Tenant, scope.Namespace), nil
}

func (a *Adapter) trackingPath(scope reconcile.Scope) string {
	return filepath.Join(a.root, trackingDir, scope.Tenant, scope.Namespace+".json")
}

// fullPath maps a logical path onto the scope directory
func (a *Adapter) fullPath(scope reconcile.Scope, logical string) (string, error) {
	dir, err := a.ScopeDir(scope)
	if err != nil {
		return "", err
	}
	rel := strings.Trim(logical, "/")
	if rel == "" {
		return "", fmt.Errorf("invalid path %q", logical)
	}
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the scope directory", logical)
	}
	return full, nil
}

// state returns the cached tracking state of scope, loading it once
func (a *Adapter) state(scope reconcile.Scope) (*Tracking, error) {
	if t, ok := a.tracking[scope]; ok {
		return t, nil
	}
	t, err := loadTracking(a.fs, a.trackingPath(scope))
	if err != nil {
		return nil, err
	}
	a.tracking[scope] = t
	return t, nil
}

// FetchAll lists the live files of scope with their digests
func (a *Adapter) FetchAll(ctx context.Context, scope reconcile.Scope) ([]File, error) {
	dir, err := a.ScopeDir(scope)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// reload so a previous run in the same process does not leak into this one
	delete(a.tracking, scope)
	tracked, err := a.state(scope)
	if err != nil {
		return nil, err
	}

	if _, err := a.fs.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []File
	err = afero.Walk(a.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		logical := "/" + filepath.ToSlash(rel)

		if info.IsDir() {
			out = append(out, File{Path: logical + "/", Dir: true})
			if !a.opts.Recurse {
				return filepath.SkipDir
			}
			return nil
		}

		d, err := a.digestFile(path)
		if err != nil {
			return fmt.Errorf("failed to digest %s: %w", path, err)
		}
		_, isTracked := tracked.Files[logical]
		out = append(out, File{Path: logical, Digest: d, Tracked: isTracked})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	return out, nil
}

func (a *Adapter) digestFile(path string) (digest.Digest, error) {
	f, err := a.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	return digest.Canonical.FromReader(f)
}

// Identity implements reconcile.Adapter
func (a *Adapter) Identity(_ reconcile.Scope, f File) string {
	return f.Path
}

// SimulateWrite digests the content without touching the store
func (a *Adapter) SimulateWrite(_ context.Context, _ reconcile.Scope, path string, content io.Reader) (File, error) {
	if content == nil {
		return File{Path: path, Dir: true}, nil
	}
	d, err := digest.Canonical.FromReader(content)
	if err != nil {
		return File{}, err
	}
	return File{Path: path, Digest: d, Tracked: true}, nil
}

// Write stores content at path. Directories are created, files are written
// through a temp file and renamed into place.
func (a *Adapter) Write(ctx context.Context, scope reconcile.Scope, path string, content io.Reader) (File, error) {
	full, err := a.fullPath(scope, path)
	if err != nil {
		return File{}, err
	}

	// a path can switch between file and directory from one commit to the next
	info, err := a.fs.Stat(full)
	if err != nil && !isGone(err) {
		return File{}, err
	}
	replaced := err == nil && info.IsDir() != (content == nil)

	if content == nil {
		if replaced {
			if err := a.fs.Remove(full); err != nil {
				return File{}, err
			}
			if err := a.untrack(scope, strings.TrimSuffix(path, "/")); err != nil {
				return File{}, err
			}
		}
		if err := a.fs.MkdirAll(full, 0755); err != nil {
			return File{}, err
		}
		return File{Path: path, Dir: true}, nil
	}

	if replaced {
		if err := a.fs.RemoveAll(full); err != nil {
			return File{}, err
		}
	}

	d, err := a.writeFile(full, content)
	if err != nil {
		return File{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tracked, err := a.state(scope)
	if err != nil {
		return File{}, err
	}
	tracked.Files[path] = TrackedFile{Digest: d}
	if err := saveTracking(a.fs, a.trackingPath(scope), tracked); err != nil {
		return File{}, fmt.Errorf("failed to save tracking state: %w", err)
	}

	return File{Path: path, Digest: d, Tracked: true}, nil
}

// writeFile copies content to dst with an atomic rename and returns its digest
func (a *Adapter) writeFile(dst string, content io.Reader) (digest.Digest, error) {
	if err := a.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}

	tmpFile, err := afero.TempFile(a.fs, filepath.Dir(dst), ".gitsyncd-tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = a.fs.Remove(tmpPath)
	}() // cleanup on error

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(tmpFile, io.TeeReader(content, digester.Hash())); err != nil {
		_ = tmpFile.Close()
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		return "", err
	}
	if err := a.fs.Chmod(tmpPath, 0644); err != nil {
		return "", err
	}

	if err := a.fs.Rename(tmpPath, dst); err != nil {
		return "", err
	}

	return digester.Digest(), nil
}

// Delete removes a live file or directory. Without recursion a directory is
// removed with everything below it since its children were never listed.
// An entry replaced by the other type during the run is left in place.
func (a *Adapter) Delete(_ context.Context, scope reconcile.Scope, f File) error {
	full, err := a.fullPath(scope, f.Path)
	if err != nil {
		return err
	}

	info, err := a.fs.Stat(full)
	switch {
	case err == nil && info.IsDir() == f.Dir:
		if f.Dir && !a.opts.Recurse {
			err = a.fs.RemoveAll(full)
		} else {
			err = a.fs.Remove(full)
		}
		if err != nil && !isGone(err) {
			return err
		}
	case err != nil && !isGone(err):
		return err
	}

	if f.Dir {
		return nil
	}
	return a.untrack(scope, f.Path)
}

// untrack drops path from the tracking state of scope
func (a *Adapter) untrack(scope reconcile.Scope, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tracked, err := a.state(scope)
	if err != nil {
		return err
	}
	if _, ok := tracked.Files[path]; !ok {
		return nil
	}
	delete(tracked.Files, path)
	return saveTracking(a.fs, a.trackingPath(scope), tracked)
}

// isGone reports whether err means nothing is stored at the path, including
// a parent that is now a regular file
func isGone(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// MustKeep protects entries matching the keep patterns. A directory is kept
// when anything stored below it is kept.
func (a *Adapter) MustKeep(_ context.Context, scope reconcile.Scope, f File) bool {
	if a.opts.Keep.Empty() {
		return false
	}
	if a.opts.Keep.Covers(f.Path) {
		return true
	}
	if !f.Dir {
		return false
	}

	full, err := a.fullPath(scope, f.Path)
	if err != nil {
		return false
	}

	errKept := errors.New("kept")
	err = afero.Walk(a.fs, full, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == full {
			return err
		}
		rel, err := filepath.Rel(full, path)
		if err != nil {
			return err
		}
		logical := f.Path + filepath.ToSlash(rel)
		if info.IsDir() {
			logical += "/"
		}
		if a.opts.Keep.Covers(logical) {
			return errKept
		}
		return nil
	})
	return errors.Is(err, errKept)
}

// Wrap classifies a file. Changed content is UPDATED when the live file was
// written by gitsyncd before, OVERWRITTEN when it was created elsewhere.
func (a *Adapter) Wrap(_ reconcile.Scope, _ string, before, after *File) (reconcile.SyncResult, bool) {
	switch {
	case before == nil && after == nil:
		return reconcile.SyncResult{}, false
	case before == nil:
		return reconcile.SyncResult{State: reconcile.StateAdded}, true
	case after == nil:
		return reconcile.SyncResult{State: reconcile.StateDeleted}, true
	}

	if before.Dir || before.Digest == after.Digest {
		return reconcile.SyncResult{State: reconcile.StateUnchanged}, true
	}
	if before.Tracked {
		return reconcile.SyncResult{State: reconcile.StateUpdated}, true
	}
	return reconcile.SyncResult{State: reconcile.StateOverwritten}, true
}
