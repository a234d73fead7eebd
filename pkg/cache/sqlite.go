package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteQueries = sqlQueries{
	schema: []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS cache_items (
			key TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			headers BLOB NOT NULL,
			body BLOB NOT NULL,
			inserted_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS cache_items_last_accessed ON cache_items (last_accessed_at)`,
	},
	get: `SELECT url, status, headers, body, inserted_at, last_accessed_at, expires_at
		FROM cache_items WHERE key = ?`,
	put: `INSERT INTO cache_items (key, url, status, headers, body, inserted_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			url = excluded.url,
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at`,
	touch:  `UPDATE cache_items SET last_accessed_at = ? WHERE key = ?`,
	remove: `DELETE FROM cache_items WHERE key = ?`,
	count:  `SELECT COUNT(*) FROM cache_items`,
	deleteOldest: `DELETE FROM cache_items WHERE key IN (
		SELECT key FROM cache_items ORDER BY last_accessed_at DESC, key LIMIT -1 OFFSET ?)`,
	clear: `DELETE FROM cache_items`,
}

// OpenSQLite opens (creating if needed) a cache database file at path.
func OpenSQLite(path string) (Database, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite cache: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; the Cache serializes access anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	return newSQLDatabase(db, DriverSQLite, sqliteQueries)
}
