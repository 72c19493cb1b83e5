// Package sqlite provides the relational store for stargazer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store provides database access with connection pooling and a prepared
// statement cache.
type Store struct {
	db        *sql.DB
	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

// StoreConfig holds configuration for the database store.
type StoreConfig struct {
	Path     string
	MaxConns int
}

// NewStore opens the database, applies pragmas, and runs pending migrations.
// A migration failure closes the handle and is fatal to the caller.
func NewStore(cfg StoreConfig) (*Store, error) {
	connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{
		db:        db,
		stmtCache: make(map[string]*sql.Stmt),
	}

	mgr := NewMigrationManager(db)
	if err := mgr.RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection and all cached statements.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	for _, stmt := range s.stmtCache {
		_ = stmt.Close()
	}
	s.stmtCache = nil

	return s.db.Close()
}

// GetStmt returns a cached prepared statement, creating it if necessary.
func (s *Store) GetStmt(query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	stmt, ok := s.stmtCache[query]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	s.stmtCache[query] = stmt
	return stmt, nil
}

// ExecContext executes a query that doesn't return rows.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		return s.db.ExecContext(ctx, query, args...)
	}
	return stmt.ExecContext(ctx, args...)
}

// QueryContext executes a query that returns rows.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	stmt, err := s.GetStmt(query)
	if err != nil {
		return s.db.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext executes a query that returns a single row.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := s.GetStmt(query)
	if err != nil {
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// BeginTx starts a transaction on the underlying handle.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Ping checks if the database connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// DB returns the underlying database connection for direct access.
// Use this sparingly - prefer the store methods for most operations.
func (s *Store) DB() *sql.DB {
	return s.db
}
