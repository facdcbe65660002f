// Package sqlite implements the duplex data store backed by a SQLite database.
// It manages authorization principals and the token replay cache.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrPrincipalExists is returned when the username is already taken.
var ErrPrincipalExists = errors.New("principal already exists")

// ErrPrincipalNotFound is returned for unknown or disabled principals.
var ErrPrincipalNotFound = errors.New("principal not found")

// Store wraps a SQLite database connection for all duplex persistence operations.
type Store struct {
	db *sql.DB

	resolvePrincipalStmt *sql.Stmt
	tryAddReplayStmt     *sql.Stmt
}

const defaultReplayPurgeLimit = 1000

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const resolvePrincipalQuery = `
SELECT id, username, password_hash, role, created_at, disabled_at
FROM principals
WHERE username = ? AND disabled_at IS NULL`

const tryAddReplayQuery = `
INSERT INTO token_replay(jti, expires_at, seen_at)
VALUES(?, ?, ?)
ON CONFLICT(jti) DO NOTHING`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
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
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
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

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepare(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare(ctx context.Context) error {
	var err error
	if s.resolvePrincipalStmt, err = s.db.PrepareContext(ctx, resolvePrincipalQuery); err != nil {
		return fmt.Errorf("prepare resolve principal: %w", err)
	}
	if s.tryAddReplayStmt, err = s.db.PrepareContext(ctx, tryAddReplayQuery); err != nil {
		return fmt.Errorf("prepare replay insert: %w", err)
	}
	return nil
}

// Close closes prepared statements and the underlying database connection.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.resolvePrincipalStmt, s.tryAddReplayStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS principals (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	disabled_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS token_replay (
	jti TEXT PRIMARY KEY,
	expires_at DATETIME NOT NULL,
	seen_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_principals_username ON principals(username);
CREATE INDEX IF NOT EXISTS idx_token_replay_expires_at ON token_replay(expires_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
