package flows

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database holding flow definitions
type DB struct {
	*sql.DB
}

// OpenDB opens the database and initializes the schema
func OpenDB(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// managed is 0 for flows created outside of gitsyncd
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			tenant TEXT NOT NULL,
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 1,
			source TEXT NOT NULL,
			managed INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant, namespace, id)
		);
		CREATE INDEX IF NOT EXISTS idx_flows_namespace ON flows(tenant, namespace);
	`)
	if err != nil {
		return fmt.Errorf("failed to create flows table: %w", err)
	}

	return nil
}
