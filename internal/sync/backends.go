package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/schaermu/gitsyncd/internal/blobstore"
	"github.com/schaermu/gitsyncd/internal/config"
	"github.com/schaermu/gitsyncd/internal/flows"
	"github.com/schaermu/gitsyncd/internal/kv"
	"github.com/schaermu/gitsyncd/internal/reconcile"
	"github.com/schaermu/gitsyncd/internal/report"
)

// Backends holds the live stores targets reconcile into.
// Flows and KV are nil when no target needs them.
type Backends struct {
	FS       afero.Fs
	Flows    *flows.Store
	KV       *kv.Store
	Blobs    blobstore.Store
	Reporter reconcile.Reporter

	closers []func() error
}

// Close releases every opened store
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenBackends opens the stores required by the configured targets
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{FS: afero.NewOsFs()}

	blobs, err := openBlobStore(ctx, cfg, b)
	if err != nil {
		return nil, err
	}
	b.Blobs = blobs
	b.Reporter = report.New(blobs, b.FS, cfg.TempDir(), logger)

	if cfg.HasKind(config.KindFlows) {
		db, err := flows.OpenDB(cfg.Stores.FlowsDB)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to open flows database: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		b.Flows = flows.NewStore(db.DB)
	}

	if cfg.HasKind(config.KindKV) {
		db, err := kv.OpenDB(kv.DBConfig{Dir: cfg.Stores.KVDir, Logger: logger})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to open kv store: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		b.KV = kv.NewStore(db)
	}

	return b, nil
}

// OpenBlobStore opens only the artifact store, used to read diffs back
func OpenBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, func() error, error) {
	b := &Backends{FS: afero.NewOsFs()}
	blobs, err := openBlobStore(ctx, cfg, b)
	if err != nil {
		return nil, nil, err
	}
	return blobs, b.Close, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config, b *Backends) (blobstore.Store, error) {
	switch cfg.Artifacts.Backend {
	case config.BackendGCS:
		client, err := blobstore.NewGCSClient(ctx, cfg.Artifacts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		return blobstore.NewGCS(client, b.FS, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix), nil
	default:
		return blobstore.NewLocal(b.FS, cfg.Artifacts.Dir), nil
	}
}
