// Package client provides the asynchronous request dispatcher: cached,
// de-duplicated, cancelable fetches whose results are delivered on the
// owner loop.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/internal/metrics"
	"github.com/tilestream/tilestream/pkg/async"
	"github.com/tilestream/tilestream/pkg/cache"
)

// ErrClosed is set on responses issued after Close.
var ErrClosed = errors.New("client: closed")

// Credentials attach authentication to outgoing network requests. Apply is
// called from I/O goroutines and must be safe for concurrent use.
type Credentials interface {
	Apply(req *http.Request)
}

// Config holds client configuration.
type Config struct {
	// MaxSimultaneousRequests bounds concurrent network requests.
	MaxSimultaneousRequests int
	// RequestTimeout bounds a single network request. Zero means none.
	RequestTimeout time.Duration
	// Transport overrides the default HTTPTransport.
	Transport http.RoundTripper
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxSimultaneousRequests: 20,
		RequestTimeout:          60 * time.Second,
	}
}

type credentialsRef struct {
	c Credentials
}

// Client dispatches fetches. Fetch and Future.Cancel must be called on the
// owner loop; Get may be called from any other goroutine.
type Client struct {
	loop  *async.Loop
	cache *cache.Cache
	http  *http.Client
	sem   *semaphore.Weighted
	log   *zap.Logger

	timeout time.Duration
	creds   atomic.Pointer[credentialsRef]

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop.
	inflight map[string]*flight
}

// New creates a client that delivers results on loop and caches through c.
// c may be nil to disable caching.
func New(loop *async.Loop, c *cache.Cache, cfg Config) *Client {
	if cfg.MaxSimultaneousRequests <= 0 {
		cfg.MaxSimultaneousRequests = DefaultConfig().MaxSimultaneousRequests
	}
	rt := cfg.Transport
	if rt == nil {
		rt = NewHTTPTransport()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		loop:     loop,
		cache:    c,
		http:     &http.Client{Transport: rt},
		sem:      semaphore.NewWeighted(int64(cfg.MaxSimultaneousRequests)),
		log:      logging.Named("client"),
		timeout:  cfg.RequestTimeout,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*flight),
	}
}

// Loop returns the owner loop.
func (c *Client) Loop() *async.Loop {
	return c.loop
}

// Cache returns the response cache, or nil.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// Transport returns the client's round tripper.
func (c *Client) Transport() http.RoundTripper {
	return c.http.Transport
}

// SetCredentials sets the credentials applied to every network request.
// Pass nil to send requests unauthenticated.
func (c *Client) SetCredentials(creds Credentials) {
	if creds == nil {
		c.creds.Store(nil)
		return
	}
	c.creds.Store(&credentialsRef{c: creds})
}

// Close aborts outstanding network requests. Their subscribers receive a
// response with Err set if the loop still runs.
func (c *Client) Close() {
	c.cancel()
}

// Pending returns the number of distinct requests in flight. Loop only.
func (c *Client) Pending() int {
	return len(c.inflight)
}

// Fetch starts or joins the request for req and returns a Future for this
// subscription. cb runs on the loop once the response is available, unless
// the Future is canceled first.
func (c *Client) Fetch(req Request, cb Callback) *Future {
	sig := req.Signature()

	if f, ok := c.inflight[sig]; ok && f.state == statePending {
		metrics.RecordDedupJoin()
		return f.subscribe(cb)
	}

	f := &flight{client: c, signature: sig, req: req}
	c.inflight[sig] = f
	metrics.SetRequestsInFlight(len(c.inflight))
	fut := f.subscribe(cb)

	go c.perform(f)
	return fut
}

// Get fetches req and waits for the response. It must not be called on the
// loop goroutine. The returned error is ctx's error, or the response's
// Error.
func (c *Client) Get(ctx context.Context, req Request) (*Response, error) {
	var fut *Future
	if err := c.loop.Call(ctx, func() {
		fut = c.Fetch(req, nil)
	}); err != nil {
		return nil, err
	}

	select {
	case <-fut.Done():
		resp := fut.Response()
		if resp == nil {
			return nil, context.Canceled
		}
		return resp, resp.Error()
	case <-ctx.Done():
		c.loop.Post(fut.Cancel)
		return nil, ctx.Err()
	}
}

// perform runs on an I/O goroutine and posts the result to the loop.
func (c *Client) perform(f *flight) {
	resp := c.resolve(f.req, f.signature)
	if !c.loop.Post(func() { f.complete(resp) }) {
		c.log.Debug("loop closed, dropping response", logging.URL(f.req.URL))
	}
}

func (c *Client) resolve(req Request, sig string) *Response {
	cacheable := c.cache != nil && req.method() == http.MethodGet

	var cached *cache.Entry
	if cacheable {
		if e, ok := c.cache.Lookup(sig); ok {
			if e.Fresh(time.Now()) {
				metrics.RecordCacheLookup("hit")
				return responseFromEntry(e)
			}
			if e.CanRevalidate() {
				cached = e
			}
			metrics.RecordCacheLookup("stale")
		} else {
			metrics.RecordCacheLookup("miss")
		}
	}

	resp := c.roundTrip(req, cached)
	if cacheable {
		c.store(sig, resp, cached)
		c.cache.RecordCompletion()
	}
	return resp
}

func (c *Client) roundTrip(req Request, cached *cache.Entry) *Response {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return &Response{URL: req.URL, Err: ErrClosed}
	}
	defer c.sem.Release(1)

	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, nil)
	if err != nil {
		return &Response{URL: req.URL, Err: fmt.Errorf("build request: %w", err)}
	}
	for name, values := range req.Header {
		httpReq.Header[name] = append([]string(nil), values...)
	}
	if cached != nil {
		for name, values := range cached.ConditionalHeaders() {
			httpReq.Header[name] = values
		}
	}
	if ref := c.creds.Load(); ref != nil {
		ref.c.Apply(httpReq)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordRequest(req.scheme(), 0, 0, time.Since(start))
		c.log.Debug("request failed", logging.URL(req.URL), zap.Error(err))
		return &Response{URL: req.URL, Err: err}
	}
	defer httpResp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, httpResp.Body); err != nil {
		metrics.RecordRequest(req.scheme(), 0, int64(buf.Len()), time.Since(start))
		return &Response{URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	metrics.RecordRequest(req.scheme(), httpResp.StatusCode, int64(buf.Len()), time.Since(start))

	return &Response{
		URL:        req.URL,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       buf.Bytes(),
	}
}

// store updates the cache from a network response. A 304 against cached
// refreshes that entry and turns resp into the cached response.
func (c *Client) store(sig string, resp *Response, cached *cache.Entry) {
	if resp.Err != nil {
		return
	}
	now := time.Now()
	ttl := c.cache.Options().DefaultTTL

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		cached.Revalidated(resp.Header, now, ttl)
		c.cache.Insert(sig, cached)
		metrics.RecordCacheLookup("revalidated")
		*resp = *responseFromEntry(cached)
		return
	}

	if !cache.Cacheable(http.MethodGet, resp.StatusCode, resp.Header) {
		return
	}
	expires, ok := cache.Expiry(resp.Header, now, ttl)
	if !ok {
		return
	}
	c.cache.Insert(sig, &cache.Entry{
		URL:        resp.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		ExpiresAt:  expires,
	})
}

func responseFromEntry(e *cache.Entry) *Response {
	return &Response{
		URL:        e.URL,
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		FromCache:  true,
	}
}
