package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/schaermu/gitsyncd/internal/tree"
)

// Options configure a single run
type Options struct {
	// DryRun simulates writes and skips deletions
	DryRun bool
	// Delete removes live resources that have no counterpart in the tree
	Delete bool
	// Root is the rendered tree root handed to Adapter.Wrap
	Root string
}

// Reconciler merges a scanned tree into the live resources of one kind
type Reconciler[T any] struct {
	adapter  Adapter[T]
	reporter Reporter
	logger   *slog.Logger
	opts     Options
}

// New creates a reconciler bound to an adapter and a reporter
func New[T any](adapter Adapter[T], reporter Reporter, logger *slog.Logger, opts Options) *Reconciler[T] {
	return &Reconciler[T]{
		adapter:  adapter,
		reporter: reporter,
		logger:   logger,
		opts:     opts,
	}
}

// written is a resource produced from a tree entry
type written[T any] struct {
	identity string
	path     string
	resource T
}

// removed is a live resource that has no tree counterpart
type removed[T any] struct {
	identity string
	resource T
}

// Run reconciles entries against the live resources in scope and returns
// the persisted diff reference. The first failing operation aborts the run.
func (r *Reconciler[T]) Run(ctx context.Context, scope Scope, entries tree.Entries) (*Output, error) {
	kind := r.adapter.Kind()
	logger := r.logger.With("kind", kind, "tenant", scope.Tenant, "namespace", scope.Namespace)

	live, err := r.adapter.FetchAll(ctx, scope)
	if err != nil {
		return nil, &Error{Op: OpFetch, Kind: kind, Err: err}
	}

	before := make(map[string]T, len(live))
	for _, res := range live {
		before[r.adapter.Identity(scope, res)] = res
	}
	logger.Info("fetched live resources", "count", len(before), "entries", len(entries))

	updated, err := r.writeAll(ctx, scope, entries, logger)
	if err != nil {
		return nil, err
	}

	var deleted []removed[T]
	if r.opts.Delete {
		deleted, err = r.deleteMissing(ctx, scope, before, updated, logger)
		if err != nil {
			return nil, err
		}
	}

	results := make([]SyncResult, 0, len(deleted)+len(updated))
	for _, d := range deleted {
		res := d.resource
		if result, ok := r.adapter.Wrap(scope, r.opts.Root, &res, nil); ok {
			result.Identity = d.identity
			results = append(results, result)
		}
	}
	for _, w := range updated {
		after := w.resource
		var prev *T
		if b, ok := before[w.identity]; ok {
			prev = &b
		}
		if result, ok := r.adapter.Wrap(scope, r.opts.Root, prev, &after); ok {
			result.Path = w.path
			result.Identity = w.identity
			results = append(results, result)
		}
	}
	SortResults(results)

	uri, err := r.reporter.Report(ctx, scope, kind, results)
	if err != nil {
		return nil, &Error{Op: OpReport, Kind: kind, Err: err}
	}

	logger.Info("reconciliation finished",
		"diff", uri,
		"written", len(updated),
		"deleted", len(deleted),
		"dry_run", r.opts.DryRun)

	return &Output{
		Kind:    kind,
		Scope:   scope,
		DiffURI: uri,
		Results: results,
		DryRun:  r.opts.DryRun,
	}, nil
}

// writeAll writes or simulates every managed entry, parents first
func (r *Reconciler[T]) writeAll(ctx context.Context, scope Scope, entries tree.Entries, logger *slog.Logger) ([]written[T], error) {
	kind := r.adapter.Kind()
	filter, _ := r.adapter.(EntryFilter)

	out := make([]written[T], 0, len(entries))
	pathByIdentity := make(map[string]string, len(entries))

	op := OpWrite
	if r.opts.DryRun {
		op = OpSimulate
	}

	for _, entry := range entries.Sorted() {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Op: op, Kind: kind, Path: entry.Path, Err: err}
		}
		if filter != nil && !filter.Manages(entry.Path) {
			logger.Debug("skipping unmanaged entry", "path", entry.Path)
			continue
		}

		res, err := r.apply(ctx, scope, entry, logger)
		if err != nil {
			return nil, err
		}

		id := r.adapter.Identity(scope, res)
		if prev, dup := pathByIdentity[id]; dup {
			return nil, &Error{
				Op:   OpCollision,
				Kind: kind,
				Path: entry.Path,
				Err:  fmt.Errorf("%w: %s and %s both resolve to %s", ErrIdentityCollision, prev, entry.Path, id),
			}
		}
		pathByIdentity[id] = entry.Path
		out = append(out, written[T]{identity: id, path: entry.Path, resource: res})
	}

	return out, nil
}

// apply opens the entry content once and hands it to the adapter
func (r *Reconciler[T]) apply(ctx context.Context, scope Scope, entry tree.Entry, logger *slog.Logger) (T, error) {
	var zero T
	op := OpWrite
	if r.opts.DryRun {
		op = OpSimulate
	}

	var content io.Reader
	if !entry.Dir {
		rc, err := entry.Open()
		if err != nil {
			return zero, &Error{Op: op, Kind: r.adapter.Kind(), Path: entry.Path, Err: err}
		}
		defer func() {
			_ = rc.Close()
		}()
		content = rc
	}

	var (
		res T
		err error
	)
	if r.opts.DryRun {
		logger.Info("[dry-run] would write", "path", entry.Path)
		res, err = r.adapter.SimulateWrite(ctx, scope, entry.Path, content)
	} else {
		logger.Info("writing resource", "path", entry.Path)
		res, err = r.adapter.Write(ctx, scope, entry.Path, content)
	}
	if err != nil {
		return zero, &Error{Op: op, Kind: r.adapter.Kind(), Path: entry.Path, Err: err}
	}
	return res, nil
}

// deleteMissing removes live resources absent from the written set. Deepest
// identities go first; on equal depth the reverse path order puts "/d/x"
// before "/d/" so children are removed before their parents.
func (r *Reconciler[T]) deleteMissing(ctx context.Context, scope Scope, before map[string]T, updated []written[T], logger *slog.Logger) ([]removed[T], error) {
	present := make(map[string]bool, len(updated))
	for _, w := range updated {
		present[w.identity] = true
	}

	candidates := make([]string, 0)
	for id := range before {
		if !present[id] {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := tree.Depth(candidates[i]), tree.Depth(candidates[j])
		if di != dj {
			return di > dj
		}
		return candidates[i] > candidates[j]
	})

	keeper, _ := r.adapter.(Keeper[T])

	deleted := make([]removed[T], 0, len(candidates))
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Op: OpDelete, Kind: r.adapter.Kind(), Path: id, Err: err}
		}

		res := before[id]
		if keeper != nil && keeper.MustKeep(ctx, scope, res) {
			logger.Debug("keeping protected resource", "identity", id)
			continue
		}

		if r.opts.DryRun {
			logger.Info("[dry-run] would delete", "identity", id)
		} else {
			logger.Info("deleting resource", "identity", id)
			if err := r.adapter.Delete(ctx, scope, res); err != nil {
				return nil, &Error{Op: OpDelete, Kind: r.adapter.Kind(), Path: id, Err: err}
			}
		}
		deleted = append(deleted, removed[T]{identity: id, resource: res})
	}

	return deleted, nil
}
