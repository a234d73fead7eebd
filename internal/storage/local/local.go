// Package local provides a local filesystem storage backend for file:// URLs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/tilestream/tilestream/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	// RootPath confines reads to a directory. File URL paths are taken
	// relative to it. Empty means paths are used as given.
	RootPath string
	// Fs overrides the filesystem; defaults to the OS filesystem.
	Fs afero.Fs
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	fs   afero.Fs
	root string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if cfg.RootPath != "" {
		info, err := fsys.Stat(cfg.RootPath)
		if err != nil {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
		}
		fsys = afero.NewBasePathFs(fsys, cfg.RootPath)
	}
	return &LocalBackend{fs: fsys, root: cfg.RootPath}, nil
}

// fullPath maps a URL path to a filesystem path. Under a root, cleaning
// against "/" drops any leading ".." so keys cannot leave the root.
func (b *LocalBackend) fullPath(key string) string {
	if b.root == "" {
		return filepath.FromSlash(key)
	}
	return filepath.FromSlash(path.Clean("/" + key))
}

// GetObject opens a file. bucket must be empty or "localhost".
func (b *LocalBackend) GetObject(_ context.Context, bucket, key string) (*storage.Object, error) {
	if bucket != "" && bucket != "localhost" {
		return nil, fmt.Errorf("file URL host %q not supported", bucket)
	}
	f, err := b.fs.Open(b.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, storage.ErrNotFound
	}

	return &storage.Object{
		Body:        f,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ETag:        strconv.Quote(strconv.FormatInt(info.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(info.Size(), 36)),
		ContentType: mime.TypeByExtension(path.Ext(key)),
	}, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op.
func (b *LocalBackend) Close() error { return nil }
