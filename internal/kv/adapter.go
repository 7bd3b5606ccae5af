package kv

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/schaermu/gitsyncd/internal/ignore"
	"github.com/schaermu/gitsyncd/internal/reconcile"
	"github.com/schaermu/gitsyncd/internal/tree"
)

// Kind is the resource kind name
const Kind = "kv"

// maxValueSize bounds a single value read from the tree
const maxValueSize = 1 << 20

// Adapter reconciles files directly under the tree root into key/value pairs.
// The file name is the key and the content the value.
type Adapter struct {
	store *Store
	keep  *ignore.Rules
}

var (
	_ reconcile.Adapter[Pair] = (*Adapter)(nil)
	_ reconcile.Keeper[Pair]  = (*Adapter)(nil)
	_ reconcile.EntryFilter   = (*Adapter)(nil)
)

// NewAdapter creates a kv adapter, keep may be nil
func NewAdapter(store *Store, keep *ignore.Rules) *Adapter {
	return &Adapter{store: store, keep: keep}
}

// Kind implements reconcile.Adapter
func (a *Adapter) Kind() string {
	return Kind
}

// Manages accepts regular files directly under the root
func (a *Adapter) Manages(path string) bool {
	return !strings.HasSuffix(path, "/") && tree.Depth(path) == 1
}

// FetchAll lists the pairs of the scope namespace
func (a *Adapter) FetchAll(ctx context.Context, scope reconcile.Scope) ([]Pair, error) {
	return a.store.List(ctx, scope.Tenant, scope.Namespace)
}

// Identity is /<key>
func (a *Adapter) Identity(_ reconcile.Scope, p Pair) string {
	return "/" + p.Key
}

func (a *Adapter) prepare(ctx context.Context, scope reconcile.Scope, path string, content io.Reader) (Pair, bool, error) {
	if content == nil {
		return Pair{}, false, fmt.Errorf("%s is a directory", path)
	}
	key := strings.TrimPrefix(path, "/")

	value, err := io.ReadAll(io.LimitReader(content, maxValueSize+1))
	if err != nil {
		return Pair{}, false, err
	}
	if len(value) > maxValueSize {
		return Pair{}, false, fmt.Errorf("value of %s exceeds %d bytes", key, maxValueSize)
	}

	next := Pair{Key: key, Value: value, Digest: digest.FromBytes(value), Managed: true}

	current, exists, err := a.store.Get(ctx, scope.Tenant, scope.Namespace, key)
	if err != nil {
		return Pair{}, false, err
	}
	if exists && current.Managed && current.Digest == next.Digest {
		return current, false, nil
	}
	return next, true, nil
}

// SimulateWrite returns the pair a write would store
func (a *Adapter) SimulateWrite(ctx context.Context, scope reconcile.Scope, path string, content io.Reader) (Pair, error) {
	p, _, err := a.prepare(ctx, scope, path, content)
	return p, err
}

// Write stores the value unless an identical managed pair exists
func (a *Adapter) Write(ctx context.Context, scope reconcile.Scope, path string, content io.Reader) (Pair, error) {
	p, changed, err := a.prepare(ctx, scope, path, content)
	if err != nil {
		return Pair{}, err
	}
	if !changed {
		return p, nil
	}
	return a.store.Put(ctx, scope.Tenant, scope.Namespace, p)
}

// Delete removes a pair
func (a *Adapter) Delete(ctx context.Context, scope reconcile.Scope, p Pair) error {
	return a.store.Delete(ctx, scope.Tenant, scope.Namespace, p.Key)
}

// MustKeep matches the keep patterns against the identity
func (a *Adapter) MustKeep(_ context.Context, scope reconcile.Scope, p Pair) bool {
	return a.keep.Covers(a.Identity(scope, p))
}

// Wrap classifies a pair by digest
func (a *Adapter) Wrap(_ reconcile.Scope, _ string, before, after *Pair) (reconcile.SyncResult, bool) {
	var (
		res     reconcile.SyncResult
		current *Pair
	)

	switch {
	case before == nil && after == nil:
		return res, false
	case before == nil:
		res.State = reconcile.StateAdded
		current = after
	case after == nil:
		res.State = reconcile.StateDeleted
		current = before
	default:
		current = after
		switch {
		case before.Digest == after.Digest:
			res.State = reconcile.StateUnchanged
		case before.Managed:
			res.State = reconcile.StateUpdated
		default:
			res.State = reconcile.StateOverwritten
		}
	}

	res.Attrs = map[string]string{"digest": current.Digest.String()}
	return res, true
}
