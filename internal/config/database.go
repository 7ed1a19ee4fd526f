package config

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"
)

// connectionPragmas are applied by the driver to every connection it opens
var connectionPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)", // milliseconds
	"synchronous(NORMAL)",
	"cache_size(10000)",
	"temp_store(MEMORY)",
}

// DSN returns the driver DSN for the database at path. Pragmas that only
// hold for the connection they run on are carried here rather than executed
// once, so every connection of the pool gets them.
func DSN(path string) string {
	q := url.Values{}
	for _, p := range connectionPragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// OptimizeDatabaseConnection sizes the connection pool. Concurrent writers
// wait on the busy timeout carried by DSN.
func OptimizeDatabaseConnection(db *sql.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
}

// pragmas applied once per database
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA optimize",
}

// ApplyPragmaOptimizations applies SQLite-specific pragmas
func ApplyPragmaOptimizations(ctx context.Context, db *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}
