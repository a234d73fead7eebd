package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresQueries = sqlQueries{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS cache_items (
			key TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			headers BYTEA NOT NULL,
			body BYTEA NOT NULL,
			inserted_at BIGINT NOT NULL,
			last_accessed_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS cache_items_last_accessed ON cache_items (last_accessed_at)`,
	},
	get: `SELECT url, status, headers, body, inserted_at, last_accessed_at, expires_at
		FROM cache_items WHERE key = $1`,
	put: `INSERT INTO cache_items (key, url, status, headers, body, inserted_at, last_accessed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			url = EXCLUDED.url,
			status = EXCLUDED.status,
			headers = EXCLUDED.headers,
			body = EXCLUDED.body,
			last_accessed_at = EXCLUDED.last_accessed_at,
			expires_at = EXCLUDED.expires_at`,
	touch:  `UPDATE cache_items SET last_accessed_at = $1 WHERE key = $2`,
	remove: `DELETE FROM cache_items WHERE key = $1`,
	count:  `SELECT COUNT(*) FROM cache_items`,
	deleteOldest: `DELETE FROM cache_items WHERE key IN (
		SELECT key FROM cache_items ORDER BY last_accessed_at DESC, key OFFSET $1)`,
	clear: `DELETE FROM cache_items`,
}

// OpenPostgres connects to a PostgreSQL cache database shared by several
// processes.
func OpenPostgres(dsn string) (Database, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres cache: empty dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newSQLDatabase(db, DriverPostgres, postgresQueries)
}
