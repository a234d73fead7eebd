// Package config loads configuration from defaults, an optional YAML file,
// a .env file and TILESTREAM_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TILESTREAM_"

// Config holds all tilestream configuration.
type Config struct {
	// Dispatcher
	MaxSimultaneousRequests int           `yaml:"max_simultaneous_requests" validate:"gte=1"`
	RequestTimeout          time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// Cache bounds
	RequestsPerCachePrune int `yaml:"requests_per_cache_prune" validate:"gte=0"`
	MaxCacheItems         int `yaml:"max_cache_items" validate:"gte=1"`

	// Tileset loading
	LeavesOnly              bool `yaml:"leaves_only"`
	DisableExternalTilesets bool `yaml:"disable_external_tilesets"`
	MaxExternalDepth        int  `yaml:"max_external_depth" validate:"gte=0"`

	// DataDir holds the cache database and saved tokens.
	DataDir     string `yaml:"data_dir" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Ion     IonConfig     `yaml:"ion"`
	Storage StorageConfig `yaml:"storage"`
}

// CacheConfig selects the response cache database.
type CacheConfig struct {
	Driver     string        `yaml:"driver" validate:"oneof=sqlite postgres memory"`
	Path       string        `yaml:"path"`
	DSN        string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	DefaultTTL time.Duration `yaml:"default_ttl" validate:"gte=0"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// IonConfig identifies the default ion server.
type IonConfig struct {
	ServerURL           string `yaml:"server_url" validate:"required,url"`
	APIURL              string `yaml:"api_url" validate:"omitempty,url"`
	OAuth2ApplicationID int64  `yaml:"oauth2_application_id" validate:"gte=1"`
	IssuerURL           string `yaml:"issuer_url" validate:"omitempty,url"`
	DefaultAccessToken  string `yaml:"default_access_token"`
}

// StorageConfig configures the file:// and s3:// transports.
type StorageConfig struct {
	LocalRoot  string `yaml:"local_root"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint" validate:"omitempty,url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := "~/.tilestream"
	return &Config{
		MaxSimultaneousRequests: 20,
		RequestTimeout:          60 * time.Second,
		RequestsPerCachePrune:   10000,
		MaxCacheItems:           4096,
		LeavesOnly:              true,
		MaxExternalDepth:        16,
		DataDir:                 dataDir,
		Cache: CacheConfig{
			Driver: "sqlite",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Ion: IonConfig{
			ServerURL:           "https://ion.cesium.com",
			APIURL:              "https://api.cesium.com",
			OAuth2ApplicationID: 190,
		},
		Storage: StorageConfig{
			S3Region: "us-east-1",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. A .env file in the working directory is read if
// present; variables already set in the environment win over it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.MaxSimultaneousRequests = envInt("MAX_SIMULTANEOUS_REQUESTS", c.MaxSimultaneousRequests)
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.RequestsPerCachePrune = envInt("REQUESTS_PER_CACHE_PRUNE", c.RequestsPerCachePrune)
	c.MaxCacheItems = envInt("MAX_CACHE_ITEMS", c.MaxCacheItems)
	c.LeavesOnly = envBool("LEAVES_ONLY", c.LeavesOnly)
	c.DisableExternalTilesets = envBool("DISABLE_EXTERNAL_TILESETS", c.DisableExternalTilesets)
	c.MaxExternalDepth = envInt("MAX_EXTERNAL_DEPTH", c.MaxExternalDepth)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)

	c.Cache.Driver = envOr("CACHE_DRIVER", c.Cache.Driver)
	c.Cache.Path = envOr("CACHE_PATH", c.Cache.Path)
	c.Cache.DSN = envOr("CACHE_DSN", c.Cache.DSN)
	c.Cache.DefaultTTL = envDuration("CACHE_DEFAULT_TTL", c.Cache.DefaultTTL)

	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)

	c.Ion.ServerURL = envOr("ION_SERVER_URL", c.Ion.ServerURL)
	c.Ion.APIURL = envOr("ION_API_URL", c.Ion.APIURL)
	c.Ion.OAuth2ApplicationID = envInt64("ION_OAUTH2_APPLICATION_ID", c.Ion.OAuth2ApplicationID)
	c.Ion.IssuerURL = envOr("ION_ISSUER_URL", c.Ion.IssuerURL)
	c.Ion.DefaultAccessToken = envOr("ION_DEFAULT_ACCESS_TOKEN", c.Ion.DefaultAccessToken)

	c.Storage.LocalRoot = envOr("STORAGE_LOCAL_ROOT", c.Storage.LocalRoot)
	c.Storage.S3Region = envOr("S3_REGION", c.Storage.S3Region)
	c.Storage.S3Endpoint = envOr("S3_ENDPOINT", c.Storage.S3Endpoint)
}

// resolvePaths expands ~ and fills in paths derived from DataDir.
func (c *Config) resolvePaths() error {
	dir, err := homedir.Expand(c.DataDir)
	if err != nil {
		return fmt.Errorf("expand data_dir: %w", err)
	}
	c.DataDir = dir

	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(c.DataDir, "cache.db")
	} else if c.Cache.Path, err = homedir.Expand(c.Cache.Path); err != nil {
		return fmt.Errorf("expand cache.path: %w", err)
	}
	if c.Storage.LocalRoot != "" {
		if c.Storage.LocalRoot, err = homedir.Expand(c.Storage.LocalRoot); err != nil {
			return fmt.Errorf("expand storage.local_root: %w", err)
		}
	}
	return nil
}

// TokenDir is where saved ion tokens live.
func (c *Config) TokenDir() string {
	return filepath.Join(c.DataDir, "tokens")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
