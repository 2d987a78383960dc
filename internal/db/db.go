package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "cdk.db"

type Config struct {
	// Path is the sqlite file. A directory is accepted and gets cdk.db inside it.
	Path string
}

func dbPath(p string) string {
	if p == "" {
		p = "."
	}
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return filepath.Join(p, defaultDBName)
	}
	return p
}

// EnsureDir creates the parent directory of the database file if missing.
func EnsureDir(p string) (string, error) {
	dir := filepath.Dir(dbPath(p))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys on. Transactions begin
// IMMEDIATE so concurrent writers queue on busy_timeout instead of failing
// lock upgrades.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg.Path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", dbPath(cfg.Path))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the resolved db file path.
func Path(p string) string {
	return dbPath(p)
}
