package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tilestream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TILESTREAM_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.RequestsPerCachePrune)
	assert.Equal(t, 4096, cfg.MaxCacheItems)
	assert.Equal(t, 20, cfg.MaxSimultaneousRequests)
	assert.True(t, cfg.LeavesOnly)
	assert.Equal(t, "sqlite", cfg.Cache.Driver)
	assert.Equal(t, filepath.Join(dir, "cache.db"), cfg.Cache.Path)
	assert.Equal(t, filepath.Join(dir, "tokens"), cfg.TokenDir())
	assert.Equal(t, "https://ion.cesium.com", cfg.Ion.ServerURL)
	assert.Equal(t, "https://api.cesium.com", cfg.Ion.APIURL)
	assert.EqualValues(t, 190, cfg.Ion.OAuth2ApplicationID)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Setenv("TILESTREAM_DATA_DIR", t.TempDir())
	path := writeFile(t, `
max_cache_items: 100
request_timeout: 15s
leaves_only: false
cache:
  driver: memory
  default_ttl: 1h
log:
  level: debug
ion:
  server_url: https://ion.example.com
  api_url: https://api.example.com
`)
	t.Setenv("TILESTREAM_MAX_CACHE_ITEMS", "50")
	t.Setenv("TILESTREAM_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxCacheItems, "env wins over file")
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.LeavesOnly)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "https://ion.example.com", cfg.Ion.ServerURL)
}

func TestLoad_UnknownKey(t *testing.T) {
	t.Setenv("TILESTREAM_DATA_DIR", t.TempDir())
	_, err := Load(writeFile(t, "max_cache_itemz: 3\n"))
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("TILESTREAM_DATA_DIR", t.TempDir())

	_, err := Load(writeFile(t, "cache:\n  driver: redis\n"))
	assert.ErrorContains(t, err, "Driver")

	_, err = Load(writeFile(t, "cache:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "DSN")

	_, err = Load(writeFile(t, "max_simultaneous_requests: 0\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "metrics_addr: not-an-addr\n"))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	t.Setenv("TILESTREAM_DATA_DIR", t.TempDir())
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.MaxCacheItems)
}

func TestEnvHelpersIgnoreGarbage(t *testing.T) {
	t.Setenv("TILESTREAM_X_INT", "abc")
	t.Setenv("TILESTREAM_X_DUR", "soon")
	t.Setenv("TILESTREAM_X_BOOL", "maybe")
	assert.Equal(t, 7, envInt("X_INT", 7))
	assert.Equal(t, time.Second, envDuration("X_DUR", time.Second))
	assert.True(t, envBool("X_BOOL", true))
}
