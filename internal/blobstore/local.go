package blobstore

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// Local stores blobs below a directory and references them as file:// URIs
type Local struct {
	fs  afero.Fs
	dir string
}

// NewLocal creates a store rooted at dir, which must be absolute
func NewLocal(fsys afero.Fs, dir string) *Local {
	return &Local{fs: fsys, dir: filepath.Clean(dir)}
}

// Dir returns the store root
func (l *Local) Dir() string {
	return l.dir
}

// Put copies localPath to <dir>/<key> through a temp file and verifies the
// copy against the source digest before moving it into place.
func (l *Local) Put(ctx context.Context, key, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rel, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.dir, filepath.FromSlash(rel))

	if err := l.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	src, err := l.fs.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() {
		_ = src.Close()
	}()

	tmp, err := afero.TempFile(l.fs, filepath.Dir(dst), ".gitsyncd-tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = l.fs.Remove(tmpPath)
	}() // cleanup on error

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(tmp, io.TeeReader(src, digester.Hash())); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to copy blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := l.verify(tmpPath, digester.Digest()); err != nil {
		return "", err
	}

	if err := l.fs.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("failed to move blob into place: %w", err)
	}

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String(), nil
}

// verify re-reads a written file and compares it with the expected digest
func (l *Local) verify(p string, expected digest.Digest) error {
	f, err := l.fs.Open(p)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	verifier := expected.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("blob digest verification failed for %s", expected)
	}
	return nil
}

// Open opens a file:// URI returned by Put
func (l *Local) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, err := parseURI(uri, "file")
	if err != nil {
		return nil, err
	}

	p := filepath.Clean(filepath.FromSlash(u.Path))
	if p != l.dir && !strings.HasPrefix(p, l.dir+string(filepath.Separator)) {
		return nil, fmt.Errorf("blob %s is outside of store %s", uri, l.dir)
	}

	f, err := l.fs.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, err
	}
	return f, nil
}
