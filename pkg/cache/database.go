package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt is returned by a Database when a stored row cannot be decoded.
// The cache deletes such rows and treats them as misses.
var ErrCorrupt = errors.New("cache: corrupt entry")

// Database is the storage behind a Cache. Implementations need not be safe
// for concurrent use; the Cache serializes every call.
type Database interface {
	// Get returns the entry for key, or nil when absent.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put inserts or replaces an entry. An existing row keeps its InsertedAt.
	Put(ctx context.Context, e *Entry) error
	// Touch sets the last access time of key.
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
	// DeleteOldest keeps the keep most recently accessed entries and deletes
	// the rest, returning how many were deleted.
	DeleteOldest(ctx context.Context, keep int) (int, error)
	// Clear deletes every entry, returning how many were deleted.
	Clear(ctx context.Context) (int, error)
	Close() error
	// Driver names the implementation for stats output.
	Driver() string
}

// Supported drivers for OpenDatabase.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// OpenDatabase opens the database for driver. path is used by sqlite and
// dsn by postgres.
func OpenDatabase(driver, path, dsn string) (Database, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path)
	case DriverPostgres:
		return OpenPostgres(dsn)
	case DriverMemory:
		return NewMemoryDatabase(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", driver)
	}
}

// disabledDatabase stands in for a database that failed to open. Every
// lookup misses and every write is dropped.
type disabledDatabase struct {
	reason error
}

// Disabled returns a Database that stores nothing. reason is reported by
// Cache.Stats.
func Disabled(reason error) Database {
	return disabledDatabase{reason: reason}
}

func (disabledDatabase) Get(context.Context, string) (*Entry, error) { return nil, nil }
func (disabledDatabase) Put(context.Context, *Entry) error { return nil }
func (disabledDatabase) Touch(context.Context, string, time.Time) error { return nil }
func (disabledDatabase) Delete(context.Context, string) error { return nil }
func (disabledDatabase) Count(context.Context) (int, error) { return 0, nil }
func (disabledDatabase) DeleteOldest(context.Context, int) (int, error) { return 0, nil }
func (disabledDatabase) Clear(context.Context) (int, error) { return 0, nil }
func (disabledDatabase) Close() error { return nil }

func (d disabledDatabase) Driver() string {
	if d.reason != nil {
		return "disabled (" + d.reason.Error() + ")"
	}
	return "disabled"
}
