package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sqlQueries holds the dialect-specific statements of a sqlDatabase.
type sqlQueries struct {
	schema       []string
	get          string
	put          string
	touch        string
	remove       string
	count        string
	deleteOldest string
	clear        string
}

// sqlDatabase stores entries in a single cache_items table. Times are
// stored as Unix nanoseconds so ordering never depends on driver time
// handling.
type sqlDatabase struct {
	db     *sql.DB
	q      sqlQueries
	driver string
}

func newSQLDatabase(db *sql.DB, driver string, q sqlQueries) (*sqlDatabase, error) {
	for _, stmt := range q.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create cache schema: %w", err)
		}
	}
	return &sqlDatabase{db: db, q: q, driver: driver}, nil
}

func (s *sqlDatabase) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	var headers []byte
	var insertedAt, accessedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, s.q.get, key).Scan(
		&e.URL, &e.StatusCode, &headers, &e.Body, &insertedAt, &accessedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache item: %w", err)
	}
	if err := json.Unmarshal(headers, &e.Header); err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrCorrupt, err)
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Signature = key
	e.InsertedAt = time.Unix(0, insertedAt)
	e.LastAccessedAt = time.Unix(0, accessedAt)
	e.ExpiresAt = time.Unix(0, expiresAt)
	return &e, nil
}

func (s *sqlDatabase) Put(ctx context.Context, e *Entry) error {
	headers, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx, s.q.put,
		e.Signature, e.URL, e.StatusCode, headers, body,
		e.InsertedAt.UnixNano(), e.LastAccessedAt.UnixNano(), unixNano(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert cache item: %w", err)
	}
	return nil
}

func (s *sqlDatabase) Touch(ctx context.Context, key string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.q.touch, at.UnixNano(), key); err != nil {
		return fmt.Errorf("touch cache item: %w", err)
	}
	return nil
}

func (s *sqlDatabase) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q.remove, key); err != nil {
		return fmt.Errorf("delete cache item: %w", err)
	}
	return nil
}

func (s *sqlDatabase) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q.count).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache items: %w", err)
	}
	return n, nil
}

func (s *sqlDatabase) DeleteOldest(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, s.q.deleteOldest, keep)
	if err != nil {
		return 0, fmt.Errorf("prune cache items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlDatabase) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q.clear)
	if err != nil {
		return 0, fmt.Errorf("clear cache items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlDatabase) Close() error {
	return s.db.Close()
}

func (s *sqlDatabase) Driver() string {
	return s.driver
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
