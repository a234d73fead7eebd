// Package app assembles the process-wide context: the owner loop, response
// cache, request dispatcher, tileset loader and ion sessions. Init and
// Shutdown bracket its lifetime.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tilestream/tilestream/internal/config"
	"github.com/tilestream/tilestream/internal/events"
	"github.com/tilestream/tilestream/internal/ion"
	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/internal/storage"
	"github.com/tilestream/tilestream/internal/storage/local"
	s3storage "github.com/tilestream/tilestream/internal/storage/s3"
	"github.com/tilestream/tilestream/pkg/async"
	"github.com/tilestream/tilestream/pkg/cache"
	"github.com/tilestream/tilestream/pkg/client"
	"github.com/tilestream/tilestream/pkg/tileset"
)

// Options adjusts Init for embedding and tests.
type Options struct {
	// Fs holds saved tokens and file:// content. Defaults to the OS
	// filesystem.
	Fs afero.Fs
	// Browser opens ion sign-in pages.
	Browser func(url string) error
	// DisableS3 skips the s3:// transport.
	DisableS3 bool
}

// Context is the process-wide state shared by every component.
type Context struct {
	Config   *config.Config
	Loop     *async.Loop
	Cache    *cache.Cache
	Client   *client.Client
	Loader   *tileset.Loader
	Events   *events.Broadcaster
	Tokens   *ion.TokenStore
	Sessions *ion.Registry
	// HTTP is the client for ion REST calls outside the dispatcher.
	HTTP *http.Client

	transport *client.HTTPTransport
	backends  []storage.Backend
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
}

// Init builds every component from cfg and starts the owner loop on its
// own goroutine.
func Init(ctx context.Context, cfg *config.Config, opts Options) (*Context, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	a := &Context{
		Config: cfg,
		Loop:   async.NewLoop(),
		Events: events.NewBroadcaster(),
	}

	a.Cache = cache.New(openDatabase(cfg), cache.Options{
		MaxItems:         cfg.MaxCacheItems,
		RequestsPerPrune: cfg.RequestsPerCachePrune,
		DefaultTTL:       cfg.Cache.DefaultTTL,
	})

	a.transport = client.NewHTTPTransport()
	if err := a.registerStorage(ctx, fs, opts); err != nil {
		a.Cache.Close()
		return nil, err
	}

	a.Client = client.New(a.Loop, a.Cache, client.Config{
		MaxSimultaneousRequests: cfg.MaxSimultaneousRequests,
		RequestTimeout:          cfg.RequestTimeout,
		Transport:               a.transport,
	})
	a.Loader = tileset.NewLoader(a.Client, tileset.Options{
		LeavesOnly:              cfg.LeavesOnly,
		DisableExternalTilesets: cfg.DisableExternalTilesets,
		MaxExternalDepth:        cfg.MaxExternalDepth,
	})

	a.HTTP = &http.Client{Transport: a.transport, Timeout: cfg.RequestTimeout}
	a.Tokens = ion.NewTokenStore(fs, cfg.TokenDir())
	a.Sessions = ion.NewRegistry(a.Loop, ion.SessionOptions{
		HTTPClient: a.HTTP,
		Store:      a.Tokens,
		Events:     a.Events,
		Browser:    opts.Browser,
	})
	a.Client.SetCredentials(a.Sessions.SetCurrent(a.Server()))

	loopCtx, stop := context.WithCancel(context.Background())
	a.stopLoop = stop
	a.loopDone = make(chan struct{})
	go func() {
		defer close(a.loopDone)
		a.Loop.Run(loopCtx)
	}()

	stats, _ := a.Cache.Stats()
	logging.Info("tilestream initialized",
		zap.String("cache", stats.Driver),
		zap.Strings("schemes", a.transport.Schemes()),
		zap.String("ion_server", cfg.Ion.ServerURL))
	return a, nil
}

// openDatabase opens the configured cache database. A database that cannot
// be opened is replaced by one that always misses.
func openDatabase(cfg *config.Config) cache.Database {
	db, err := cache.OpenDatabase(cfg.Cache.Driver, cfg.Cache.Path, cfg.Cache.DSN)
	if err != nil {
		logging.Warn("cache database unavailable, caching disabled",
			zap.String("driver", cfg.Cache.Driver), zap.Error(err))
		return cache.Disabled(err)
	}
	return db
}

func (a *Context) registerStorage(ctx context.Context, fs afero.Fs, opts Options) error {
	lb, err := local.New(local.Config{RootPath: a.Config.Storage.LocalRoot, Fs: fs})
	if err != nil {
		return fmt.Errorf("local storage: %w", err)
	}
	a.transport.Register("file", storage.NewTransport(lb))
	a.backends = append(a.backends, lb)

	if opts.DisableS3 {
		return nil
	}
	sb, err := s3storage.NewBackend(ctx, s3storage.Config{
		Region:   a.Config.Storage.S3Region,
		Endpoint: a.Config.Storage.S3Endpoint,
	})
	if err != nil {
		logging.Warn("s3 storage unavailable", zap.Error(err))
		return nil
	}
	a.transport.Register("s3", storage.NewTransport(sb))
	a.backends = append(a.backends, sb)
	return nil
}

// Server is the configured ion server.
func (a *Context) Server() ion.Server {
	ic := a.Config.Ion
	return ion.Server{
		Name:                ic.ServerURL,
		ServerURL:           ic.ServerURL,
		APIURL:              ic.APIURL,
		OAuth2ApplicationID: ic.OAuth2ApplicationID,
		IssuerURL:           ic.IssuerURL,
		DefaultAccessToken:  ic.DefaultAccessToken,
	}
}

// APIURL returns server's API URL, discovering it from the server's
// config.json when it is not configured.
func (a *Context) APIURL(ctx context.Context, server ion.Server) (string, error) {
	if server.APIURL != "" {
		return server.APIURL, nil
	}
	return ion.APIURL(ctx, a.HTTP, server.ServerURL)
}

// Session returns the current ion session.
func (a *Context) Session() *ion.Session {
	return a.Sessions.Current()
}

// Shutdown stops the loop and releases every component.
func (a *Context) Shutdown() {
	a.Sessions.Close()
	a.Client.Close()
	a.stopLoop()
	<-a.loopDone
	a.Loop.Close()

	if err := a.Cache.Close(); err != nil {
		logging.Warn("closing cache", zap.Error(err))
	}
	for _, b := range a.backends {
		if err := b.Close(); err != nil {
			logging.Warn("closing storage backend", zap.String("backend", b.Type()), zap.Error(err))
		}
	}
	a.transport.CloseIdleConnections()
}
