package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the list of all database migrations in order.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "repositories",
		SQL: `
			CREATE TABLE IF NOT EXISTS repositories (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name_with_owner TEXT UNIQUE NOT NULL,
				owner TEXT NOT NULL,
				name TEXT NOT NULL,
				owner_type TEXT NOT NULL DEFAULT 'user' CHECK(owner_type IN ('org', 'user')),
				description TEXT,
				readme_summary TEXT,
				primary_language TEXT,
				topics TEXT NOT NULL DEFAULT '[]',
				homepage_url TEXT,
				license TEXT,
				visibility TEXT NOT NULL DEFAULT 'public',
				archived INTEGER NOT NULL DEFAULT 0,
				stargazer_count INTEGER NOT NULL DEFAULT 0,
				fork_count INTEGER NOT NULL DEFAULT 0,
				created_at_epoch INTEGER NOT NULL DEFAULT 0,
				pushed_at_epoch INTEGER NOT NULL DEFAULT 0,
				starred_at_epoch INTEGER NOT NULL DEFAULT 0,
				last_synced_epoch INTEGER NOT NULL DEFAULT 0,
				last_analyzed_at_epoch INTEGER,
				edges_computed_at_epoch INTEGER,
				pending_reanalyze INTEGER NOT NULL DEFAULT 0,
				summary TEXT,
				categories TEXT NOT NULL DEFAULT '[]',
				features TEXT,
				use_cases TEXT,
				is_deleted INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_repositories_starred ON repositories(starred_at_epoch DESC);
			CREATE INDEX IF NOT EXISTS idx_repositories_deleted ON repositories(is_deleted);
			CREATE INDEX IF NOT EXISTS idx_repositories_owner ON repositories(owner);
			CREATE INDEX IF NOT EXISTS idx_repositories_language ON repositories(primary_language);
			CREATE INDEX IF NOT EXISTS idx_repositories_synced ON repositories(last_synced_epoch);
		`,
	},
	{
		Version: 2,
		Name:    "repositories_fts",
		SQL: `
			-- FTS5 virtual table mirroring live repositories only.
			CREATE VIRTUAL TABLE IF NOT EXISTS repositories_fts USING fts5(
				name, name_with_owner, description, summary, categories,
				content='repositories',
				content_rowid='id'
			);

			-- Insert only live rows into the index.
			CREATE TRIGGER IF NOT EXISTS repositories_ai AFTER INSERT ON repositories
			WHEN new.is_deleted = 0 BEGIN
				INSERT INTO repositories_fts(rowid, name, name_with_owner, description, summary, categories)
				VALUES (new.id, new.name, new.name_with_owner, new.description, new.summary, new.categories);
			END;

			CREATE TRIGGER IF NOT EXISTS repositories_ad AFTER DELETE ON repositories
			WHEN old.is_deleted = 0 BEGIN
				INSERT INTO repositories_fts(repositories_fts, rowid, name, name_with_owner, description, summary, categories)
				VALUES('delete', old.id, old.name, old.name_with_owner, old.description, old.summary, old.categories);
			END;

			-- Updates split by liveness transition so the FTS row count always
			-- equals the live row count.
			CREATE TRIGGER IF NOT EXISTS repositories_au_live AFTER UPDATE ON repositories
			WHEN old.is_deleted = 0 AND new.is_deleted = 0 BEGIN
				INSERT INTO repositories_fts(repositories_fts, rowid, name, name_with_owner, description, summary, categories)
				VALUES('delete', old.id, old.name, old.name_with_owner, old.description, old.summary, old.categories);
				INSERT INTO repositories_fts(rowid, name, name_with_owner, description, summary, categories)
				VALUES (new.id, new.name, new.name_with_owner, new.description, new.summary, new.categories);
			END;

			CREATE TRIGGER IF NOT EXISTS repositories_au_soft_delete AFTER UPDATE ON repositories
			WHEN old.is_deleted = 0 AND new.is_deleted = 1 BEGIN
				INSERT INTO repositories_fts(repositories_fts, rowid, name, name_with_owner, description, summary, categories)
				VALUES('delete', old.id, old.name, old.name_with_owner, old.description, old.summary, old.categories);
			END;

			CREATE TRIGGER IF NOT EXISTS repositories_au_restore AFTER UPDATE ON repositories
			WHEN old.is_deleted = 1 AND new.is_deleted = 0 BEGIN
				INSERT INTO repositories_fts(rowid, name, name_with_owner, description, summary, categories)
				VALUES (new.id, new.name, new.name_with_owner, new.description, new.summary, new.categories);
			END;
		`,
	},
	{
		Version: 3,
		Name:    "graph_edges",
		SQL: `
			-- Directed storage of undirected-in-meaning repository relationships.
			CREATE TABLE IF NOT EXISTS graph_edges (
				source TEXT NOT NULL,
				target TEXT NOT NULL,
				kind TEXT NOT NULL CHECK(kind IN ('author', 'ecosystem', 'collection', 'semantic')),
				weight REAL NOT NULL CHECK(weight >= 0.0 AND weight <= 1.0),
				metadata TEXT,
				created_at_epoch INTEGER NOT NULL,
				PRIMARY KEY (source, target, kind)
			);

			CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source);
			CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target);
			CREATE INDEX IF NOT EXISTS idx_graph_edges_kind ON graph_edges(kind);

			CREATE TABLE IF NOT EXISTS graph_status (
				id INTEGER PRIMARY KEY CHECK(id = 1),
				last_rebuild_epoch INTEGER,
				edge_count INTEGER NOT NULL DEFAULT 0
			);

			INSERT OR IGNORE INTO graph_status (id, edge_count) VALUES (1, 0);
		`,
	},
	{
		Version: 4,
		Name:    "annotations",
		SQL: `
			-- User annotations are keyed by name_with_owner rather than the
			-- repositories rowid so soft deletion never cascades into them.
			CREATE TABLE IF NOT EXISTS collections (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				created_at_epoch INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS repo_collections (
				collection_id INTEGER NOT NULL,
				name_with_owner TEXT NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (collection_id, name_with_owner),
				FOREIGN KEY (collection_id) REFERENCES collections(id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_repo_collections_repo ON repo_collections(name_with_owner);

			CREATE TABLE IF NOT EXISTS tags (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT UNIQUE NOT NULL
			);

			CREATE TABLE IF NOT EXISTS repo_tags (
				tag_id INTEGER NOT NULL,
				name_with_owner TEXT NOT NULL,
				PRIMARY KEY (tag_id, name_with_owner),
				FOREIGN KEY (tag_id) REFERENCES tags(id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_repo_tags_repo ON repo_tags(name_with_owner);

			CREATE TABLE IF NOT EXISTS repo_notes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name_with_owner TEXT UNIQUE NOT NULL,
				body TEXT,
				rating INTEGER NOT NULL DEFAULT 3 CHECK(rating BETWEEN 1 AND 5),
				updated_at_epoch INTEGER NOT NULL
			);
		`,
	},
	{
		Version: 5,
		Name:    "sync_history",
		SQL: `
			CREATE TABLE IF NOT EXISTS sync_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL CHECK(kind IN ('full', 'incremental')),
				started_at_epoch INTEGER NOT NULL,
				completed_at_epoch INTEGER,
				added INTEGER NOT NULL DEFAULT 0,
				updated INTEGER NOT NULL DEFAULT 0,
				deleted INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				error_message TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_sync_history_started ON sync_history(started_at_epoch DESC);
		`,
	},
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureMigrationsTable creates the tracking table if it doesn't exist.
func (m *MigrationManager) EnsureMigrationsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns all applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM _migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

// ApplyMigration applies a single migration inside a transaction. A failure
// rolls the migration back and aborts startup.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("execute migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.Exec(
		"INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)",
		migration.Version, migration.Name, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RunMigrations applies all pending migrations in order.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure _migrations table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}

		if err := m.ApplyMigration(migration); err != nil {
			return err
		}
	}

	return nil
}
