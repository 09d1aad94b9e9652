// Package database opens the backing store selected by configuration.
package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/dhawalhost/scimgate/internal/config"
)

// Open connects to the configured database and applies the pool settings.
func Open(cfg config.StorageConfig) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Kind {
	case "postgres":
		db, err = sqlx.Connect("postgres", cfg.DSN)
	case "sqlite":
		// Serialised writes and foreign keys; WAL keeps readers unblocked.
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
		db, err = sqlx.Connect("sqlite3", dsn)
	default:
		return nil, fmt.Errorf("unsupported storage kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Kind, err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Kind == "sqlite" {
		// A single writer avoids SQLITE_BUSY under concurrent mutations.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Kind, err)
	}
	return db, nil
}
