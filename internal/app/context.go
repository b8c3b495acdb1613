package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"runselect/internal/config"
	"runselect/internal/criteria"
	"runselect/internal/db"
	"runselect/internal/engine"
	"runselect/internal/events"
	"runselect/internal/logging"
	"runselect/internal/migrate"
	"runselect/internal/repo"
)

// Workspace is an opened, migrated workspace and its resolved config.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
}

// OpenWorkspace loads runselect.yml (defaults when absent), opens the
// database and applies pending migrations.
func OpenWorkspace(ctx context.Context, path string) (*Workspace, error) {
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: path})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(path), err)
	}
	return &Workspace{Path: path, DB: conn, Config: cfg}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// Service builds the evaluation service for this workspace.
func (w *Workspace) Service() (Service, error) {
	return NewService(w.DB, w.Config)
}

// NewService resolves the configured thresholds into a catalog and wires the
// repo, event writer and engine around conn.
func NewService(conn *sql.DB, cfg *config.Config) (Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	th, err := cfg.CriteriaThresholds()
	if err != nil {
		return Service{}, err
	}
	cat, err := criteria.NewCatalog(th)
	if err != nil {
		return Service{}, err
	}
	return Service{
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn, Now: time.Now},
		Engine:   engine.New(cat),
		Parallel: cfg.Batch.Parallel,
		Now:      time.Now,
		Log:      logging.New("app"),
	}, nil
}
