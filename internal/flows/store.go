package flows

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Flow is a stored flow definition
type Flow struct {
	Tenant    string
	Namespace string
	ID        string
	Revision  int64
	Source    string
	// Managed is false for flows created outside of gitsyncd
	Managed   bool
	UpdatedAt time.Time
}

// Store reads and writes flows in the flows table
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a flow store on an opened database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// List returns the flows of a namespace ordered by namespace and id. With
// children set, flows of nested namespaces ("ns.child") are included.
func (s *Store) List(ctx context.Context, tenant, namespace string, children bool) ([]Flow, error) {
	query := `
		SELECT tenant, namespace, id, revision, source, managed, updated_at
		FROM flows
		WHERE tenant = ? AND namespace = ?
		ORDER BY namespace, id
	`
	args := []any{tenant, namespace}
	if children {
		query = `
			SELECT tenant, namespace, id, revision, source, managed, updated_at
			FROM flows
			WHERE tenant = ? AND (namespace = ? OR substr(namespace, 1, length(?)) = ?)
			ORDER BY namespace, id
		`
		prefix := namespace + "."
		args = []any{tenant, namespace, prefix, prefix}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}

	return out, rows.Err()
}

// Get returns a single flow, ok is false when it does not exist
func (s *Store) Get(ctx context.Context, tenant, namespace, id string) (Flow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, namespace, id, revision, source, managed, updated_at
		FROM flows
		WHERE tenant = ? AND namespace = ? AND id = ?
	`, tenant, namespace, id)

	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Flow{}, false, nil
	}
	if err != nil {
		return Flow{}, false, err
	}
	return f, true, nil
}

// Put inserts or replaces a flow as given, revision included
func (s *Store) Put(ctx context.Context, f Flow) (Flow, error) {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = s.now().UTC().Truncate(time.Second)
	}
	if f.Revision == 0 {
		f.Revision = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (tenant, namespace, id, revision, source, managed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, namespace, id) DO UPDATE SET
			revision = excluded.revision,
			source = excluded.source,
			managed = excluded.managed,
			updated_at = excluded.updated_at
	`, f.Tenant, f.Namespace, f.ID, f.Revision, f.Source, f.Managed, f.UpdatedAt.Unix())
	if err != nil {
		return Flow{}, err
	}
	return f, nil
}

// Delete removes a flow. Deleting a missing flow is not an error.
func (s *Store) Delete(ctx context.Context, tenant, namespace, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM flows WHERE tenant = ? AND namespace = ? AND id = ?
	`, tenant, namespace, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(sc scanner) (Flow, error) {
	var (
		f       Flow
		managed bool
		updated int64
	)
	if err := sc.Scan(&f.Tenant, &f.Namespace, &f.ID, &f.Revision, &f.Source, &managed, &updated); err != nil {
		return Flow{}, err
	}
	f.Managed = managed
	f.UpdatedAt = time.Unix(updated, 0).UTC()
	return f, nil
}

// childNamespace appends the directory segments of a logical path to namespace
func childNamespace(namespace, logicalPath string) string {
	dir := strings.Trim(logicalPath, "/")
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i]
	} else {
		dir = ""
	}
	if dir == "" {
		return namespace
	}
	return namespace + "." + strings.ReplaceAll(dir, "/", ".")
}
