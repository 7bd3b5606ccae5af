package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/schaermu/gitsyncd/internal/blobstore"
	"github.com/schaermu/gitsyncd/internal/reconcile"
)

// timestampLayout keeps artifact keys lexically ordered by time
const timestampLayout = "20060102T150405Z"

// Reporter serializes run results as JSON Lines and hands the file to a blob store
type Reporter struct {
	store   blobstore.Store
	fs      afero.Fs
	tempDir string
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a reporter that stages artifacts in tempDir on fsys
func New(store blobstore.Store, fsys afero.Fs, tempDir string, logger *slog.Logger) *Reporter {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Reporter{
		store:   store,
		fs:      fsys,
		tempDir: tempDir,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Key builds the artifact key of one run
func Key(scope reconcile.Scope, kind string, at time.Time, id string) string {
	name := fmt.Sprintf("%s-%s.jsonl", at.UTC().Format(timestampLayout), id)
	return path.Join("diffs", scope.Tenant, scope.Namespace, kind, name)
}

// Report writes results to a temp file, uploads it and returns the blob URI.
// The caller's slice is not reordered.
func (r *Reporter) Report(ctx context.Context, scope reconcile.Scope, kind string, results []reconcile.SyncResult) (string, error) {
	sorted := make([]reconcile.SyncResult, len(results))
	copy(sorted, results)
	reconcile.SortResults(sorted)

	if err := r.fs.MkdirAll(r.tempDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	tmp, err := afero.TempFile(r.fs, r.tempDir, "gitsyncd-diff-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = r.fs.Remove(tmpPath)
	}()

	if err := r.encode(tmp, scope, kind, sorted); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	key := Key(scope, kind, r.now(), r.newID())
	uri, err := r.store.Put(ctx, key, tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to upload diff: %w", err)
	}

	r.logger.Debug("diff uploaded", "kind", kind, "uri", uri, "records", len(sorted))
	return uri, nil
}

func (r *Reporter) encode(w io.Writer, scope reconcile.Scope, kind string, results []reconcile.SyncResult) error {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to encode diff record: %w", err)
		}
		r.logger.Debug("diff record",
			"kind", kind,
			"tenant", scope.Tenant,
			"namespace", scope.Namespace,
			"path", res.Path,
			"state", string(res.State),
			"identity", res.Identity)
	}

	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to write diff: %w", err)
	}
	return nil
}

// Read parses a diff artifact. Blank lines are skipped.
func Read(rd io.Reader) ([]reconcile.SyncResult, error) {
	var results []reconcile.SyncResult

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var res reconcile.SyncResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		results = append(results, res)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read diff: %w", err)
	}

	return results, nil
}

// Open fetches and parses a diff artifact from store
func Open(ctx context.Context, store blobstore.Store, uri string) ([]reconcile.SyncResult, error) {
	rc, err := store.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()

	return Read(rc)
}
