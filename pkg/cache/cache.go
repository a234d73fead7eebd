// Package cache provides the persistent HTTP response cache used by the
// request dispatcher.
//
// Every database failure degrades to a cache miss: callers never see cache
// errors, they just go to the network.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/internal/metrics"
)

// Options configures a Cache.
type Options struct {
	// MaxItems is the number of entries kept by Prune.
	MaxItems int
	// RequestsPerPrune is the number of completed requests between prunes.
	// Zero disables automatic pruning.
	RequestsPerPrune int
	// DefaultTTL is the lifetime given to responses without explicit
	// freshness information.
	DefaultTTL time.Duration
}

// DefaultOptions returns the standard limits.
func DefaultOptions() Options {
	return Options{
		MaxItems:         4096,
		RequestsPerPrune: 10000,
	}
}

// Stats describes the cache contents.
type Stats struct {
	Driver      string
	Items       int
	MaxItems    int
	Completions int64
	Prunes      int64
}

// Cache is a bounded store of HTTP responses keyed by request signature.
// It is safe for concurrent use.
type Cache struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	db   Database
	last time.Time
	now  func() time.Time

	completions atomic.Int64
	prunes      atomic.Int64
}

// New creates a cache over db.
func New(db Database, opts Options) *Cache {
	if db == nil {
		db = Disabled(errors.New("no database"))
	}
	return &Cache{
		opts: opts,
		db:   db,
		log:  logging.Named("cache"),
		now:  time.Now,
	}
}

// Options returns the cache configuration.
func (c *Cache) Options() Options {
	return c.opts
}

// tick returns a timestamp strictly greater than any previously returned.
// Must be called with lock held.
func (c *Cache) tick() time.Time {
	t := c.now()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Lookup returns a copy of the entry for signature and marks it accessed.
func (c *Cache) Lookup(signature string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := context.Background()
	e, err := c.db.Get(ctx, signature)
	if err != nil {
		metrics.RecordCacheError("lookup")
		if errors.Is(err, ErrCorrupt) {
			c.log.Warn("dropping corrupt cache entry", zap.String("key", signature), zap.Error(err))
			if derr := c.db.Delete(ctx, signature); derr != nil {
				c.log.Warn("delete corrupt cache entry", zap.Error(derr))
			}
		} else {
			c.log.Warn("cache lookup failed", zap.Error(err))
		}
		return nil, false
	}
	if e == nil {
		return nil, false
	}

	at := c.tick()
	if err := c.db.Touch(ctx, signature, at); err != nil {
		metrics.RecordCacheError("touch")
		c.log.Debug("touch cache entry", zap.Error(err))
	}
	e.LastAccessedAt = at
	return e, true
}

// Insert stores e under signature, replacing any existing entry.
func (c *Cache) Insert(signature string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *e
	stored.Signature = signature
	stored.LastAccessedAt = c.tick()
	if stored.InsertedAt.IsZero() {
		stored.InsertedAt = stored.LastAccessedAt
	}

	if err := c.db.Put(context.Background(), &stored); err != nil {
		metrics.RecordCacheError("insert")
		c.log.Warn("cache insert failed", logging.URL(e.URL), zap.Error(err))
	}
}

// Remove deletes the entry for signature, if any.
func (c *Cache) Remove(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.Delete(context.Background(), signature); err != nil {
		metrics.RecordCacheError("delete")
		c.log.Warn("cache delete failed", zap.Error(err))
	}
}

// Prune deletes least recently accessed entries until at most MaxItems
// remain. It returns the number of entries deleted.
func (c *Cache) Prune() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := context.Background()
	removed, err := c.db.DeleteOldest(ctx, c.opts.MaxItems)
	if err != nil {
		metrics.RecordCacheError("prune")
		return 0, err
	}
	remaining, err := c.db.Count(ctx)
	if err != nil {
		metrics.RecordCacheError("count")
		return removed, err
	}

	c.prunes.Inc()
	metrics.RecordCachePrune(removed, remaining)
	if removed > 0 {
		c.log.Debug("pruned cache", zap.Int("removed", removed), zap.Int("remaining", remaining))
	}
	return removed, nil
}

// RecordCompletion counts a completed request and prunes every
// RequestsPerPrune completions.
func (c *Cache) RecordCompletion() {
	n := c.completions.Inc()
	if c.opts.RequestsPerPrune <= 0 || n%int64(c.opts.RequestsPerPrune) != 0 {
		return
	}
	if _, err := c.Prune(); err != nil {
		c.log.Warn("cache prune failed", zap.Error(err))
	}
}

// Stats returns the current cache statistics.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.db.Count(context.Background())
	return Stats{
		Driver:      c.db.Driver(),
		Items:       n,
		MaxItems:    c.opts.MaxItems,
		Completions: c.completions.Load(),
		Prunes:      c.prunes.Load(),
	}, err
}

// Clear removes every entry, returning how many were removed.
func (c *Cache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Clear(context.Background())
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}
