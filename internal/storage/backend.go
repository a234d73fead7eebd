// Package storage serves tile content from object storage. A Backend reads
// objects; Transport exposes a Backend as an http.RoundTripper so file://
// and s3:// URLs go through the same dispatcher, cache and revalidation
// path as HTTP.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by a Backend when the object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Object is an open object. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ModTime     time.Time
	ETag        string
	ContentType string
}

// Backend is the interface for content storage backends.
type Backend interface {
	// GetObject opens the object at key. bucket is the URL host and is
	// empty for file URLs.
	GetObject(ctx context.Context, bucket, key string) (*Object, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
