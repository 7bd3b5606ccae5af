package kv

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/gitsyncd/internal/ignore"
	"github.com/schaermu/gitsyncd/internal/reconcile"
	"github.com/schaermu/gitsyncd/internal/tree"
)

var testScope = reconcile.Scope{Tenant: "main", Namespace: "company"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(DBConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewStore(db)
}

type memReporter struct{}

func (memReporter) Report(context.Context, reconcile.Scope, string, []reconcile.SyncResult) (string, error) {
	return "mem://kv", nil
}

func run(t *testing.T, adapter *Adapter, files map[string]string, opts reconcile.Options) *reconcile.Output {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/repo", 0755))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, "/repo/"+name, []byte(content), 0644))
	}
	entries, err := tree.Scan(fsys, "/repo", false, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	out, err := reconcile.New[Pair](adapter, memReporter{}, logger, opts).Run(context.Background(), testScope, entries)
	require.NoError(t, err)
	return out
}

func byIdentity(out *reconcile.Output) map[string]reconcile.SyncResult {
	m := make(map[string]reconcile.SyncResult, len(out.Results))
	for _, r := range out.Results {
		m[r.Identity] = r
	}
	return m
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "main", "company", Pair{Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	_, err = store.Put(ctx, "main", "company.team", Pair{Key: "b", Value: []byte("2")})
	require.NoError(t, err)
	_, err = store.Put(ctx, "other", "company", Pair{Key: "c", Value: []byte("3")})
	require.NoError(t, err)

	pairs, err := store.List(ctx, "main", "company")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].Key)
	assert.Equal(t, digest.FromString("1"), pairs[0].Digest)

	got, ok, err := store.Get(ctx, "main", "company.team", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), got.Value)

	require.NoError(t, store.Delete(ctx, "main", "company.team", "b"))
	_, ok, err = store.Get(ctx, "main", "company.team", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Put(ctx, "main", "company", Pair{Key: "a/b"})
	assert.Error(t, err)
}

func TestAdapter_Lifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.Put(ctx, "main", "company", Pair{Key: "foreign", Value: []byte("ui")})
	require.NoError(t, err)
	_, err = store.Put(ctx, "main", "company", Pair{Key: "orphan", Value: []byte("x"), Managed: true})
	require.NoError(t, err)

	adapter := NewAdapter(store, nil)
	files := map[string]string{
		"api_url":      "https://example.com",
		"foreign":      "from git",
		"nested/value": "ignored",
	}

	out := run(t, adapter, files, reconcile.Options{Delete: true})
	results := byIdentity(out)
	require.Len(t, results, 3)
	assert.Equal(t, reconcile.StateAdded, results["/api_url"].State)
	assert.Equal(t, digest.FromString("https://example.com").String(), results["/api_url"].Attrs["digest"])
	assert.Equal(t, reconcile.StateOverwritten, results["/foreign"].State)
	assert.Equal(t, reconcile.StateDeleted, results["/orphan"].State)

	got, ok, err := store.Get(ctx, "main", "company", "foreign")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from git", string(got.Value))
	assert.True(t, got.Managed)

	files["api_url"] = "https://example.org"
	out = run(t, adapter, files, reconcile.Options{Delete: true})
	results = byIdentity(out)
	assert.Equal(t, reconcile.StateUpdated, results["/api_url"].State)
	assert.Equal(t, reconcile.StateUnchanged, results["/foreign"].State)
}

func TestAdapter_KeepAndDryRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"secret_token", "stale"} {
		_, err := store.Put(ctx, "main", "company", Pair{Key: key, Value: []byte("v")})
		require.NoError(t, err)
	}

	keep, err := ignore.Compile([]string{"secret_*"})
	require.NoError(t, err)
	adapter := NewAdapter(store, keep)

	out := run(t, adapter, map[string]string{"new": "n"}, reconcile.Options{Delete: true, DryRun: true})
	results := byIdentity(out)
	assert.Equal(t, reconcile.StateAdded, results["/new"].State)
	assert.Equal(t, reconcile.StateDeleted, results["/stale"].State)
	assert.NotContains(t, results, "/secret_token")

	pairs, err := store.List(ctx, "main", "company")
	require.NoError(t, err)
	assert.Len(t, pairs, 2, "dry run must not modify the store")
}

func TestAdapter_Manages(t *testing.T) {
	adapter := NewAdapter(nil, nil)
	assert.True(t, adapter.Manages("/key"))
	assert.False(t, adapter.Manages("/dir/"))
	assert.False(t, adapter.Manages("/dir/key"))
}

func TestAdapter_RejectsOversizedValue(t *testing.T) {
	adapter := NewAdapter(openTestStore(t), nil)
	_, err := adapter.SimulateWrite(context.Background(), testScope, "/big", strings.NewReader(strings.Repeat("x", maxValueSize+1)))
	assert.Error(t, err)
}
