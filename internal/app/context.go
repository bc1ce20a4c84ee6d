package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"folioline/internal/config"
	"folioline/internal/db"
	"folioline/internal/domain"
	"folioline/internal/engine"
	"folioline/internal/migrate"
	"folioline/internal/repo"
)

// Workspace bundles what one invocation needs: config, record store, audit index and engine.
type Workspace struct {
	Dir    string
	Config *config.Config
	Store  *repo.Store
	DB     *sql.DB
	Engine engine.Engine
}

// Open loads the workspace config, falling back to defaults when folioline.yml
// is absent, then opens the record store and the migrated audit index.
func Open(ctx context.Context, dir string, logger *log.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(domain.DefaultSlot)
	}
	return OpenWithConfig(ctx, dir, cfg, logger)
}

// OpenWithConfig is Open with an already resolved config.
func OpenWithConfig(ctx context.Context, dir string, cfg *config.Config, logger *log.Logger) (*Workspace, error) {
	store, err := repo.Open(dir, cfg.Store.StaleLockAfter)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	store.Logger = logger
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open audit index: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate audit index: %w", err)
	}
	e, err := engine.New(dir, store, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e.Logger = logger
	return &Workspace{Dir: dir, Config: cfg, Store: store, DB: conn, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// ErrConfigExists is returned by Init when folioline.yml is already present.
var ErrConfigExists = errors.New("config already exists")

// Init creates the .folioline directory and writes a default folioline.yml for
// slot. An existing config is kept unless force is set.
func Init(dir, slot string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return "", err
	}
	path := config.Path(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(slot)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
