package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/spf13/afero"
	"google.golang.org/api/option"
)

// ndjsonContentType is set on every uploaded diff artifact
const ndjsonContentType = "application/x-ndjson"

// NewGCSClient creates a storage client. Without a credentials file the
// application default credentials are used.
func NewGCSClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("credentials file not accessible: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return client, nil
}

// GCS stores blobs as objects in a bucket, below an optional prefix
type GCS struct {
	client *storage.Client
	fs     afero.Fs
	bucket string
	prefix string
}

// NewGCS creates a store for bucket. Local files handed to Put are read from fsys.
func NewGCS(client *storage.Client, fsys afero.Fs, bucket, prefix string) *GCS {
	return &GCS{
		client: client,
		fs:     fsys,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// objectName maps a key to the object name inside the bucket
func (g *GCS) objectName(key string) (string, error) {
	rel, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if g.prefix == "" {
		return rel, nil
	}
	return path.Join(g.prefix, rel), nil
}

// Put uploads localPath and returns a gs://bucket/object URI
func (g *GCS) Put(ctx context.Context, key, localPath string) (string, error) {
	name, err := g.objectName(key)
	if err != nil {
		return "", err
	}

	src, err := g.fs.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() {
		_ = src.Close()
	}()

	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = ndjsonContentType
	w.CacheControl = "no-cache"

	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload %s to gs://%s/%s: %w", localPath, g.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize gs://%s/%s: %w", g.bucket, name, err)
	}

	return FormatGCSURI(g.bucket, name), nil
}

// Open reads an object referenced by a gs:// URI
func (g *GCS) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, name, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return r, nil
}

// FormatGCSURI builds gs://bucket/object
func FormatGCSURI(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

// ParseGCSURI splits gs://bucket/object into its parts
func ParseGCSURI(uri string) (bucket, object string, err error) {
	u, err := parseURI(uri, "gs")
	if err != nil {
		return "", "", err
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", fmt.Errorf("invalid gcs uri %q: bucket and object are required", uri)
	}
	return u.Host, object, nil
}
