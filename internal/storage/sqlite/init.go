package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	destination TEXT NOT NULL,
	title TEXT,
	description TEXT,
	mime_type TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT,
	bytes_downloaded INTEGER NOT NULL DEFAULT 0,
	bytes_total INTEGER NOT NULL DEFAULT -1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS update_checks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	checked_at TEXT NOT NULL,
	current_version TEXT,
	latest_version TEXT,
	update_available INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	error TEXT
);`

// InitDB opens the SQLite database at path and creates the schema. The pool
// is limited to one connection; the transfer goroutines and the API share it.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
