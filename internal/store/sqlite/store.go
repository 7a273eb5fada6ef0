// Package sqlite implements the guest pool data store backed by a SQLite
// database. It holds the slot registry, guest and registered identities,
// workspace ownership records, and host session state.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all guest pool persistence.
type Store struct {
	db *sql.DB

	identityByIDStmt     *sql.Stmt
	workspaceByOwnerStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultBusyTimeoutMillis = 5000
const defaultSessionPurgeLimit = 1000

const identityColumns = `id, username, kind, slot_number, password_hash, created_at`
const workspaceColumns = `id, owner_id, path, provisioned_at, created_at, updated_at`
const allocationColumns = `id, slot_number, session_key, lease_token, expires_at, is_active, created_at, ended_at, end_reason`

const identityByIDQuery = `SELECT ` + identityColumns + ` FROM identities WHERE id = ?`
const workspaceByOwnerQuery = `
SELECT ` + workspaceColumns + `
FROM workspaces
WHERE owner_id = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`

// OpenOptions controls SQLite connection pool sizing and schema setup.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int

	// SkipMigrations leaves the schema untouched. Use [Store.Migrate] later.
	SkipMigrations bool

	// MigrateTo applies migrations up to and including the named file
	// (for example "001_identities.sql"). Empty applies all of them.
	MigrateTo string
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	// _txlock=immediate takes the write lock at BEGIN, so racing slot claims
	// wait on busy_timeout instead of failing on a stale read snapshot.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := fmt.Sprintf("%s%s_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, sep, defaultBusyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode is persistent and database-wide; set it once here.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	s := &Store{db: db}
	if !opts.SkipMigrations {
		if err := s.MigrateTo(context.Background(), opts.MigrateTo); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

// SlotRegistryReady reports whether the slot registry table exists. Hosts use
// it once at startup to pick the slotted or the degraded allocation strategy.
func (s *Store) SlotRegistryReady(ctx context.Context) (bool, error) {
	return s.tableExists(ctx, "slot_allocations")
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// prepareStatements prepares hot-path lookups. Identity tables exist in every
// schema version, so the statements are valid even before the slot registry
// is installed.
func (s *Store) prepareStatements(ctx context.Context) error {
	ready, err := s.tableExists(ctx, "identities")
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	if s.identityByIDStmt, err = s.db.PrepareContext(ctx, identityByIDQuery); err != nil {
		return fmt.Errorf("prepare identity query: %w", err)
	}
	if s.workspaceByOwnerStmt, err = s.db.PrepareContext(ctx, workspaceByOwnerQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare workspace query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.identityByIDStmt))
	err = errors.Join(err, closeStmt(&s.workspaceByOwnerStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}
