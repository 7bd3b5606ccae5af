package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/gitsyncd/internal/config"
	"github.com/schaermu/gitsyncd/internal/files"
	"github.com/schaermu/gitsyncd/internal/flows"
	"github.com/schaermu/gitsyncd/internal/git"
	"github.com/schaermu/gitsyncd/internal/ignore"
	"github.com/schaermu/gitsyncd/internal/kv"
	"github.com/schaermu/gitsyncd/internal/reconcile"
	"github.com/schaermu/gitsyncd/internal/tree"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg      *config.Config
	git      git.Client
	backends *Backends
	logger   *slog.Logger
	dryRun   bool
	only     []string
	now      func() time.Time
}

// TargetResult is the outcome of one target
type TargetResult struct {
	Target config.TargetConfig
	Output *reconcile.Output
}

// Result is the outcome of a complete run
type Result struct {
	Commit  string
	Targets []TargetResult
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, backends *Backends, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		git:      gitClient,
		backends: backends,
		logger:   logger,
		dryRun:   dryRun,
		now:      time.Now,
	}
}

// Only restricts runs to the named targets
func (e *Engine) Only(names ...string) error {
	for _, name := range names {
		if _, ok := e.cfg.Target(name); !ok {
			return fmt.Errorf("unknown target %q", name)
		}
	}
	e.only = names
	return nil
}

func (e *Engine) selected() []config.TargetConfig {
	if len(e.only) == 0 {
		return e.cfg.Targets
	}
	var targets []config.TargetConfig
	for _, t := range e.cfg.Targets {
		for _, name := range e.only {
			if t.Name == name {
				targets = append(targets, t)
				break
			}
		}
	}
	return targets
}

// Run executes the complete sync process
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.logger.Info("starting sync",
		"repo", e.cfg.Repo.URL,
		"ref", e.cfg.Repo.Ref,
		"dry_run", e.dryRun)

	fsys := e.backends.FS

	if err := fsys.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := fsys.MkdirAll(e.cfg.TempDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	e.logger.Info("fetching repository", "dest", e.cfg.RepoDir())
	commit, err := e.git.EnsureCheckout(ctx, e.cfg.Repo.URL, e.cfg.Repo.Ref, e.cfg.RepoDir())
	if err != nil {
		return nil, fmt.Errorf("failed to checkout repository: %w", err)
	}
	e.logger.Info("repository checked out", "commit", commit)

	targets := e.selected()
	results := make([]TargetResult, len(targets))

	limit := e.cfg.Sync.Parallelism
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			out, err := e.runTarget(gctx, t)
			if err != nil {
				return fmt.Errorf("target %s: %w", t.Name, err)
			}
			results[i] = TargetResult{Target: t, Output: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		e.logger.Info("target synced",
			"target", r.Target.Name,
			"scope", r.Output.Scope.String(),
			"added", r.Output.Count(reconcile.StateAdded),
			"updated", r.Output.Count(reconcile.StateUpdated)+r.Output.Count(reconcile.StateOverwritten),
			"deleted", r.Output.Count(reconcile.StateDeleted),
			"diff", r.Output.DiffURI)
	}

	if e.dryRun {
		e.logger.Info("dry-run mode: no changes applied")
		return &Result{Commit: commit, Targets: results}, nil
	}

	if err := e.recordState(commit, results); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	e.logger.Info("sync completed successfully", "targets", len(results))
	return &Result{Commit: commit, Targets: results}, nil
}

func (e *Engine) recordState(commit string, results []TargetResult) error {
	fsys := e.backends.FS
	state, err := LoadState(fsys, e.cfg.StateFilePath())
	if err != nil {
		e.logger.Warn("failed to load previous state (will start fresh)", "error", err)
		state = newState()
	}

	state.Commit = commit
	state.SyncedAt = e.now().UTC()
	for _, r := range results {
		counts := make(map[reconcile.SyncState]int)
		for _, res := range r.Output.Results {
			counts[res.State]++
		}
		state.Targets[r.Target.Name] = TargetState{
			Kind:      string(r.Target.Kind),
			Tenant:    r.Output.Scope.Tenant,
			Namespace: r.Output.Scope.Namespace,
			Commit:    commit,
			DiffURI:   r.Output.DiffURI,
			Counts:    counts,
		}
	}

	return saveState(fsys, e.cfg.StateFilePath(), state)
}

// runTarget scans the target's directory and reconciles it into its store
func (e *Engine) runTarget(ctx context.Context, t config.TargetConfig) (*reconcile.Output, error) {
	fsys := e.backends.FS
	dir := e.cfg.SourceDir(t)
	logger := e.logger.With("target", t.Name)

	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create git directory: %w", err)
	}

	rules, err := ignore.Load(fsys, dir, e.cfg.Sync.IgnoreFile)
	if err != nil {
		return nil, &reconcile.Error{Op: reconcile.OpScan, Kind: string(t.Kind), Path: dir, Err: err}
	}

	// the ignore file configures the scan and is never synced itself
	ignored := func(rel string, isDir bool) bool {
		return (!isDir && rel == e.cfg.Sync.IgnoreFile) || rules.Ignored(rel, isDir)
	}

	entries, err := tree.Scan(fsys, dir, t.ShouldRecurse(), ignored)
	if err != nil {
		return nil, &reconcile.Error{Op: reconcile.OpScan, Kind: string(t.Kind), Path: dir, Err: err}
	}
	logger.Debug("scanned tree", "dir", dir, "entries", len(entries))

	keep, err := ignore.Compile(t.Keep)
	if err != nil {
		return nil, err
	}

	scope := reconcile.Scope{Tenant: t.Tenant, Namespace: t.Namespace}
	opts := reconcile.Options{DryRun: e.dryRun, Delete: t.Delete, Root: dir}

	switch t.Kind {
	case config.KindFiles:
		adapter := files.NewAdapter(fsys, e.cfg.Stores.FilesDir, files.Options{Recurse: t.ShouldRecurse(), Keep: keep})
		return reconcile.New[files.File](adapter, e.backends.Reporter, logger, opts).Run(ctx, scope, entries)
	case config.KindFlows:
		if e.backends.Flows == nil {
			return nil, fmt.Errorf("flows store is not open")
		}
		adapter := flows.NewAdapter(e.backends.Flows, flows.Options{Recurse: t.ShouldRecurse(), Keep: keep})
		return reconcile.New[flows.Flow](adapter, e.backends.Reporter, logger, opts).Run(ctx, scope, entries)
	case config.KindKV:
		if e.backends.KV == nil {
			return nil, fmt.Errorf("kv store is not open")
		}
		adapter := kv.NewAdapter(e.backends.KV, keep)
		return reconcile.New[kv.Pair](adapter, e.backends.Reporter, logger, opts).Run(ctx, scope, entries)
	default:
		return nil, fmt.Errorf("unsupported target kind %q", t.Kind)
	}
}
