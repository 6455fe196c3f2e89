package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "crewdeck.db"

type Config struct {
	// Dir holds the database file; created when missing.
	Dir string
}

// Path returns the db path for the data directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, defaultDBName)
}

// Open opens the SQLite database in WAL mode with a busy timeout.
func Open(cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", Path(cfg.Dir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
