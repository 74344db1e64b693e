// Package storage is the shared persistent store behind every shard.
//
// One SQLite database file holds the task queue and all domain rows;
// cross-process coordination happens exclusively through conditional
// updates on the tasks table. SQLite prefers a small number of
// concurrent writers, so the pool is pinned to one connection and WAL
// keeps readers from blocking on it.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("storage: not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
