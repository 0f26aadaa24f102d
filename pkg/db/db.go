// Package db wraps modernc.org/sqlite (pure Go, no cgo) the way the
// teacher's pkg/db does: a single-writer connection per store, because
// spec.md §9's "SQLite single-writer" design note calls for one writer per
// store rather than a shared connection pool.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Database wraps a single SQLite file with a single-writer connection.
type Database struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path with a
// single-writer connection pool, matching the teacher's pkg/db.Open.
func Open(path string) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: ping %s: %w", path, err)
	}
	return &Database{DB: sqlDB}, nil
}

// Close releases the underlying connection.
func (d *Database) Close() error {
	return d.DB.Close()
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func ensureColumn(db *sql.DB, table, column, ddl string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return fmt.Errorf("db: check column %s.%s: %w", table, column, err)
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
	if err != nil {
		return fmt.Errorf("db: add column %s.%s: %w", table, column, err)
	}
	return nil
}
