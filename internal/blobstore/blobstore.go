package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

// ErrNotFound is returned when a referenced blob does not exist
var ErrNotFound = errors.New("blob not found")

// Store persists local files and hands back an opaque reference
type Store interface {
	// Put uploads the file at localPath under key and returns its URI
	Put(ctx context.Context, key, localPath string) (string, error)
	// Open reads a blob previously returned by Put
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// cleanKey rejects keys that would escape the store root
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(key))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("blob key %q must not contain a '..' segment", key)
		}
	}
	return cleaned, nil
}

// parseURI splits a blob URI and checks its scheme
func parseURI(uri, scheme string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid blob uri %q: %w", uri, err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("unsupported blob uri scheme %q (want %s)", u.Scheme, scheme)
	}
	return u, nil
}
