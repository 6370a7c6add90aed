// Package app assembles the runtime pieces (database, config, extraction
// pipeline, engine) so the CLI and the server bootstrap the same way.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"trustlens/internal/config"
	"trustlens/internal/db"
	"trustlens/internal/engine"
	"trustlens/internal/extract"
	"trustlens/internal/migrate"
	"trustlens/internal/pipeline"
	"trustlens/internal/signals"
)

// Runtime is a fully wired application instance.
type Runtime struct {
	Engine *engine.Engine
	Config *config.Config
	Logger *slog.Logger

	conn interface{ Close() error }
}

// Close releases the database connection.
func (rt *Runtime) Close() error {
	if rt.conn == nil {
		return nil
	}
	return rt.conn.Close()
}

// Open prepares the workspace, runs migrations, loads config from
// <workspace>/trustlens.yml (built-in defaults when absent) and wires the
// analysis pipeline.
func Open(workspace string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
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
	pipe := pipeline.New(
		extract.NewFFmpeg(cfg, logger),
		[]pipeline.SignalExtractor{signals.Vision{}, signals.Audio{}, signals.Temporal{}},
		signals.Quality{},
		cfg,
	)
	e := engine.New(conn, cfg, pipe, logger)
	return &Runtime{Engine: e, Config: cfg, Logger: logger, conn: conn}, nil
}
