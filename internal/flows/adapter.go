package flows

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/schaermu/gitsyncd/internal/ignore"
	"github.com/schaermu/gitsyncd/internal/reconcile"
)

// Kind is the resource kind name
const Kind = "flows"

// Options configure the adapter of one target
type Options struct {
	// Recurse maps subdirectories to child namespaces
	Recurse bool
	// Keep protects flows whose identity matches from deletion
	Keep *ignore.Rules
}

// Adapter reconciles YAML flow definitions into the flows table
type Adapter struct {
	store *Store
	opts  Options
}

var (
	_ reconcile.Adapter[Flow] = (*Adapter)(nil)
	_ reconcile.Keeper[Flow]  = (*Adapter)(nil)
	_ reconcile.EntryFilter   = (*Adapter)(nil)
)

// NewAdapter creates a flows adapter backed by store
func NewAdapter(store *Store, opts Options) *Adapter {
	return &Adapter{store: store, opts: opts}
}

// Kind implements reconcile.Adapter
func (a *Adapter) Kind() string {
	return Kind
}

// Manages accepts YAML files only
func (a *Adapter) Manages(p string) bool {
	if strings.HasSuffix(p, "/") {
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".yml", ".yaml":
		return true
	default:
		return false
	}
}

// FetchAll lists the flows of the scope namespace, and of its children when recursive
func (a *Adapter) FetchAll(ctx context.Context, scope reconcile.Scope) ([]Flow, error) {
	return a.store.List(ctx, scope.Tenant, scope.Namespace, a.opts.Recurse)
}

// Identity is /<namespace>/<id>
func (a *Adapter) Identity(_ reconcile.Scope, f Flow) string {
	return "/" + f.Namespace + "/" + f.ID
}

// prepare builds the flow a write of path would store, based on the live row
func (a *Adapter) prepare(ctx context.Context, scope reconcile.Scope, p string, content io.Reader) (Flow, bool, error) {
	if content == nil {
		return Flow{}, false, fmt.Errorf("%w: %s is a directory", ErrInvalidFlow, p)
	}

	namespace := scope.Namespace
	if a.opts.Recurse {
		namespace = childNamespace(scope.Namespace, p)
	}

	id, source, err := Normalize(content, namespace)
	if err != nil {
		return Flow{}, false, err
	}

	current, exists, err := a.store.Get(ctx, scope.Tenant, namespace, id)
	if err != nil {
		return Flow{}, false, err
	}

	next := Flow{
		Tenant:    scope.Tenant,
		Namespace: namespace,
		ID:        id,
		Revision:  1,
		Source:    source,
		Managed:   true,
	}
	if !exists {
		return next, true, nil
	}

	next.Revision = current.Revision
	if current.Source != source {
		next.Revision++
	}
	if current.Source == source && current.Managed {
		return current, false, nil
	}
	return next, true, nil
}

// SimulateWrite returns the flow a write would produce
func (a *Adapter) SimulateWrite(ctx context.Context, scope reconcile.Scope, p string, content io.Reader) (Flow, error) {
	f, _, err := a.prepare(ctx, scope, p, content)
	return f, err
}

// Write stores the flow. The revision only moves when the source changes.
func (a *Adapter) Write(ctx context.Context, scope reconcile.Scope, p string, content io.Reader) (Flow, error) {
	f, changed, err := a.prepare(ctx, scope, p, content)
	if err != nil {
		return Flow{}, err
	}
	if !changed {
		return f, nil
	}
	return a.store.Put(ctx, f)
}

// Delete removes a flow
func (a *Adapter) Delete(ctx context.Context, scope reconcile.Scope, f Flow) error {
	return a.store.Delete(ctx, scope.Tenant, f.Namespace, f.ID)
}

// MustKeep matches the keep patterns against the flow identity
func (a *Adapter) MustKeep(_ context.Context, scope reconcile.Scope, f Flow) bool {
	return a.opts.Keep.Covers(a.Identity(scope, f))
}

// Wrap classifies a flow. Changed sources are UPDATED when the live flow was
// managed by gitsyncd, OVERWRITTEN otherwise.
func (a *Adapter) Wrap(_ reconcile.Scope, _ string, before, after *Flow) (reconcile.SyncResult, bool) {
	var (
		res     reconcile.SyncResult
		current *Flow
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
		case before.Source == after.Source:
			res.State = reconcile.StateUnchanged
		case before.Managed:
			res.State = reconcile.StateUpdated
		default:
			res.State = reconcile.StateOverwritten
		}
	}

	res.Attrs = map[string]string{
		"flow_id":   current.ID,
		"namespace": current.Namespace,
		"revision":  strconv.FormatInt(current.Revision, 10),
	}
	return res, true
}
