// Package app wires a workspace into a running engine: database, schema,
// config, registry, and snapshot store.
package app

import (
	"database/sql"
	"fmt"
	"os"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/registry"
	"missionline/internal/snapshot"
)

// Context is everything a command needs to talk to the engine.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open builds an engine for the workspace. The workspace must have been
// initialized (ml init); a missing config is an error here, not a default.
func Open(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return open(workspace, cfg)
}

// Init seeds a new workspace: directories, config file, and schema. It is
// idempotent; an existing config is kept as is.
func Init(workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if err := writeDefaultConfig(workspace); err != nil {
			return nil, err
		}
		cfg = config.Default()
	}
	return open(workspace, cfg)
}

func open(workspace string, cfg *config.Config) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg, err := registry.New(cfg.RegistryTypes())
	if err != nil {
		conn.Close()
		return nil, err
	}
	snaps := snapshot.Store{Dir: db.SnapshotDir(workspace)}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg, reg, snaps),
	}, nil
}

func writeDefaultConfig(workspace string) error {
	path := config.Path(workspace)
	return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
