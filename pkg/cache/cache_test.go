package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(i int) *Entry {
	return &Entry{
		URL:        fmt.Sprintf("http://host/t/%d.b3dm", i),
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/octet-stream"}},
		Body:       []byte(fmt.Sprintf("tile-%d", i)),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func key(i int) string {
	return Signature("GET", newEntry(i).URL, nil, nil)
}

// databases returns every database implementation that can run locally.
func databases(t *testing.T) map[string]Database {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	dbs := map[string]Database{
		"memory": NewMemoryDatabase(),
		"sqlite": sqlite,
	}
	if dsn := os.Getenv("TILESTREAM_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := OpenPostgres(dsn)
		require.NoError(t, err)
		_, err = pg.Clear(context.Background())
		require.NoError(t, err)
		dbs["postgres"] = pg
	}
	return dbs
}

func TestCache_InsertAndLookup(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			c := New(db, DefaultOptions())
			defer c.Close()

			e := newEntry(1)
			c.Insert(key(1), e)

			got, ok := c.Lookup(key(1))
			require.True(t, ok, "Lookup returned not ok")
			assert.Equal(t, e.URL, got.URL)
			assert.Equal(t, e.Body, got.Body)
			assert.Equal(t, "application/octet-stream", got.Header.Get("Content-Type"))
			assert.Equal(t, key(1), got.Signature)
			assert.False(t, got.InsertedAt.IsZero())
			assert.True(t, got.LastAccessedAt.After(got.InsertedAt))

			_, ok = c.Lookup(key(2))
			assert.False(t, ok, "Lookup of absent key should miss")
		})
	}
}

func TestCache_SQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	c := New(db, DefaultOptions())
	e := newEntry(1)
	e.Header.Set("ETag", `"v1"`)
	c.Insert(key(1), e)
	require.NoError(t, c.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	c = New(db, DefaultOptions())
	defer c.Close()

	got, ok := c.Lookup(key(1))
	require.True(t, ok, "entry lost across reopen")
	assert.Equal(t, "tile-1", string(got.Body))
	assert.Equal(t, e.URL, got.URL)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, "application/octet-stream", got.Header.Get("Content-Type"))
	assert.Equal(t, `"v1"`, got.Header.Get("ETag"))
	assert.WithinDuration(t, e.ExpiresAt, got.ExpiresAt, time.Millisecond)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Items)
}

func TestCache_UpsertKeepsInsertedAt(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			c := New(db, DefaultOptions())
			defer c.Close()

			c.Insert(key(1), newEntry(1))
			first, ok := c.Lookup(key(1))
			require.True(t, ok)

			updated := newEntry(1)
			updated.Body = []byte("v2")
			c.Insert(key(1), updated)

			second, ok := c.Lookup(key(1))
			require.True(t, ok)
			assert.Equal(t, []byte("v2"), second.Body)
			assert.True(t, first.InsertedAt.Equal(second.InsertedAt), "InsertedAt changed on upsert")
		})
	}
}

func TestCache_PruneKeepsMostRecentlyAccessed(t *testing.T) {
	const maxItems, extra = 5, 3
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			c := New(db, Options{MaxItems: maxItems})
			defer c.Close()

			for i := 0; i < maxItems+extra; i++ {
				c.Insert(key(i), newEntry(i))
			}
			// Touch the three oldest so they survive.
			for i := 0; i < 3; i++ {
				_, ok := c.Lookup(key(i))
				require.True(t, ok)
			}

			removed, err := c.Prune()
			require.NoError(t, err)
			assert.Equal(t, extra, removed)

			stats, err := c.Stats()
			require.NoError(t, err)
			assert.Equal(t, maxItems, stats.Items)

			survivors := []int{0, 1, 2, 6, 7}
			for _, i := range survivors {
				assert.True(t, present(c, i), "entry %d should survive", i)
			}
			for _, i := range []int{3, 4, 5} {
				assert.False(t, present(c, i), "entry %d should be evicted", i)
			}
		})
	}
}

// present checks membership without changing access order.
func present(c *Cache, i int) bool {
	e, err := c.db.Get(context.Background(), key(i))
	return err == nil && e != nil
}

func TestCache_PruneIdempotent(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			c := New(db, Options{MaxItems: 3})
			defer c.Close()

			for i := 0; i < 6; i++ {
				c.Insert(key(i), newEntry(i))
			}
			_, err := c.Prune()
			require.NoError(t, err)

			removed, err := c.Prune()
			require.NoError(t, err)
			assert.Zero(t, removed)

			for i := 3; i < 6; i++ {
				assert.True(t, present(c, i))
			}
		})
	}
}

func TestCache_RecordCompletionPrunes(t *testing.T) {
	c := New(NewMemoryDatabase(), Options{MaxItems: 2, RequestsPerPrune: 4})
	for i := 0; i < 4; i++ {
		c.Insert(key(i), newEntry(i))
	}

	for i := 0; i < 3; i++ {
		c.RecordCompletion()
	}
	stats, _ := c.Stats()
	assert.Equal(t, 4, stats.Items, "prune ran too early")

	c.RecordCompletion()
	stats, _ = c.Stats()
	assert.Equal(t, 2, stats.Items)
	assert.EqualValues(t, 1, stats.Prunes)
	assert.EqualValues(t, 4, stats.Completions)
}

func TestCache_TimestampsStrictlyIncrease(t *testing.T) {
	c := New(NewMemoryDatabase(), DefaultOptions())
	frozen := time.Unix(1700000000, 0)
	c.now = func() time.Time { return frozen }

	var last time.Time
	for i := 0; i < 10; i++ {
		c.Insert(key(i), newEntry(i))
		e, ok := c.Lookup(key(i))
		require.True(t, ok)
		assert.True(t, e.LastAccessedAt.After(last))
		last = e.LastAccessedAt
	}
}

func TestCache_CorruptRowIsDroppedAsMiss(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	c := New(db, DefaultOptions())
	defer c.Close()

	c.Insert(key(1), newEntry(1))
	_, err = db.(*sqlDatabase).db.Exec(`UPDATE cache_items SET headers = ? WHERE key = ?`, []byte("{not json"), key(1))
	require.NoError(t, err)

	_, ok := c.Lookup(key(1))
	assert.False(t, ok)

	n, err := db.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "corrupt row should be deleted")
}

type failingDatabase struct{ MemoryDatabase }

var errBroken = errors.New("disk on fire")

func (failingDatabase) Get(context.Context, string) (*Entry, error) { return nil, errBroken }
func (failingDatabase) Put(context.Context, *Entry) error { return errBroken }

func TestCache_DatabaseErrorsDegradeToMiss(t *testing.T) {
	c := New(&failingDatabase{MemoryDatabase: *NewMemoryDatabase()}, DefaultOptions())
	c.Insert(key(1), newEntry(1))
	_, ok := c.Lookup(key(1))
	assert.False(t, ok)
}

func TestCache_Disabled(t *testing.T) {
	c := New(Disabled(errors.New("open failed")), DefaultOptions())
	c.Insert(key(1), newEntry(1))
	_, ok := c.Lookup(key(1))
	assert.False(t, ok)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Contains(t, stats.Driver, "open failed")
}

func TestCache_Clear(t *testing.T) {
	for name, db := range databases(t) {
		t.Run(name, func(t *testing.T) {
			c := New(db, DefaultOptions())
			defer c.Close()
			for i := 0; i < 4; i++ {
				c.Insert(key(i), newEntry(i))
			}
			n, err := c.Clear()
			require.NoError(t, err)
			assert.Equal(t, 4, n)
			_, ok := c.Lookup(key(0))
			assert.False(t, ok)
		})
	}
}

func TestOpenDatabase_UnknownDriver(t *testing.T) {
	_, err := OpenDatabase("redis", "", "")
	assert.Error(t, err)
}
