// Package db owns the on-disk workspace layout: a .missionline directory
// holding the sqlite database and the snapshot area.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDirName = ".missionline"
	dbFileName       = "missionline.db"
)

type Config struct {
	Workspace string
}

func workspaceDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDirName)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspaceDir(workspace), dbFileName)
}

// SnapshotDir returns the snapshot area inside the workspace.
func SnapshotDir(workspace string) string {
	return filepath.Join(workspaceDir(workspace), "snapshots")
}

// EnsureWorkspace creates the .missionline directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := workspaceDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open ensures the workspace exists and opens its database with foreign keys
// enabled.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}
