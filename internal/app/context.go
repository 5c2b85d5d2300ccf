package app

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"kravflyt/internal/config"
	"kravflyt/internal/db"
	"kravflyt/internal/engine"
	"kravflyt/internal/migrate"
)

// Workspace is an opened kravflyt workspace: its database, config and the
// engine built on them.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Close releases the database handle.
func (w Workspace) Close() error {
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Open loads kravflyt.yml and opens the migrated workspace database. A missing
// config file falls back to defaults.
func Open(workspace string, logger *slog.Logger) (Workspace, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return Workspace{}, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return Workspace{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return Workspace{}, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	return Workspace{Path: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

// NewLogger builds a slog logger writing text or JSON records to w.
func NewLogger(format, level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
