// Package db opens the workspace audit index: a SQLite mirror of every record's
// audit log, kept for event feeds and webhooks. Record files stay the source of
// truth; the index can be dropped and rebuilt with fl log reindex.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir  = ".folioline"
	indexName = "audit.db"
)

type Config struct {
	Workspace string
}

func indexPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, indexName)
}

// EnsureWorkspace creates the .folioline directory that holds records and the audit index.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the audit index of a workspace. Several fl invocations may mirror
// entries at once, so writers wait on the busy timeout and readers use WAL.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", indexPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit index: %w", err)
	}
	return conn, nil
}

// Path returns the audit index file of the workspace.
func Path(workspace string) string {
	return indexPath(workspace)
}
