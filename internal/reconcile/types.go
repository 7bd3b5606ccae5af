package reconcile

import (
	"context"
	"io"
	"sort"
)

// Scope bounds the live resources considered by one run
type Scope struct {
	Tenant    string
	Namespace string
}

func (s Scope) String() string {
	return s.Tenant + "/" + s.Namespace
}

// SyncState classifies what happened to a resource during a run
type SyncState string

const (
	StateAdded       SyncState = "ADDED"
	StateDeleted     SyncState = "DELETED"
	StateOverwritten SyncState = "OVERWRITTEN"
	StateUpdated     SyncState = "UPDATED"
	StateUnchanged   SyncState = "UNCHANGED"
)

// States lists every state in report order
var States = []SyncState{StateAdded, StateDeleted, StateOverwritten, StateUpdated, StateUnchanged}

// SyncResult is one line of the diff artifact. Path is empty when the
// resource has no counterpart in the tree.
type SyncResult struct {
	Path     string            `json:"path,omitempty"`
	State    SyncState         `json:"state"`
	Identity string            `json:"identity,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Adapter binds the reconciler to one resource kind. T is the kind's
// resource value; pointers passed to Wrap are nil when the resource does not
// exist on that side of the run.
//
// SimulateWrite and Write receive the logical tree path and its content; for
// directory entries (path ending in "/") content is nil.
type Adapter[T any] interface {
	// Kind names the resource kind, used in logs, errors and artifact keys
	Kind() string
	// FetchAll returns a snapshot of all live resources in scope
	FetchAll(ctx context.Context, scope Scope) ([]T, error)
	// Identity computes the canonical identity of a resource. It must be
	// stable across fetch and write round trips.
	Identity(scope Scope, resource T) string
	// SimulateWrite returns what Write would produce without persisting it
	SimulateWrite(ctx context.Context, scope Scope, path string, content io.Reader) (T, error)
	// Write persists content and returns the resource in its stored form
	Write(ctx context.Context, scope Scope, path string, content io.Reader) (T, error)
	// Delete removes a live resource
	Delete(ctx context.Context, scope Scope, resource T) error
	// Wrap classifies a resource given its value before and after the run.
	// Returning false omits the resource from the report.
	Wrap(scope Scope, root string, before, after *T) (SyncResult, bool)
}

// Keeper is implemented by adapters that protect some live resources from
// deletion. Adapters without it never keep anything.
type Keeper[T any] interface {
	MustKeep(ctx context.Context, scope Scope, resource T) bool
}

// EntryFilter is implemented by adapters that only manage a subset of the
// scanned entries. Unmanaged entries are neither opened nor written.
type EntryFilter interface {
	Manages(path string) bool
}

// Reporter persists the results of a run and returns the artifact reference
type Reporter interface {
	Report(ctx context.Context, scope Scope, kind string, results []SyncResult) (string, error)
}

// Output is the outcome of a successful run
type Output struct {
	Kind    string
	Scope   Scope
	DiffURI string
	// Results are sorted the same way as the diff artifact
	Results []SyncResult
	DryRun  bool
}

// Count returns how many results carry the given state
func (o *Output) Count(state SyncState) int {
	n := 0
	for _, r := range o.Results {
		if r.State == state {
			n++
		}
	}
	return n
}

// Changed reports whether the run added, updated, overwrote or deleted anything
func (o *Output) Changed() bool {
	return len(o.Results) > o.Count(StateUnchanged)
}

// SortResults orders results by path, results without a path first.
// The sort is stable so equal paths keep their relative order.
func SortResults(results []SyncResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})
}
