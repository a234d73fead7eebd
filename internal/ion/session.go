package ion

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tilestream/tilestream/internal/events"
	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/internal/metrics"
	"github.com/tilestream/tilestream/pkg/async"
)

// Resource names a lazily loaded piece of session state.
type Resource int

const (
	ResourceProfile Resource = iota
	ResourceAssets
	ResourceTokens
	ResourceDefaults
)

// String returns the event type broadcast when the resource changes.
func (r Resource) String() string {
	switch r {
	case ResourceProfile:
		return events.ProfileUpdated
	case ResourceAssets:
		return events.AssetsUpdated
	case ResourceTokens:
		return events.TokensUpdated
	case ResourceDefaults:
		return events.DefaultsUpdated
	}
	return "unknown"
}

var resources = []Resource{ResourceProfile, ResourceAssets, ResourceTokens, ResourceDefaults}

type resource[T any] struct {
	value   *T
	loading bool
	queued  bool
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// HTTPClient is used for REST calls and the token exchange.
	HTTPClient *http.Client
	// Store persists tokens between runs. Nil disables persistence.
	Store *TokenStore
	// Events receives state change notifications. May be nil.
	Events *events.Broadcaster
	// Browser opens the authorize URL. It is called from a background
	// goroutine. The default logs the URL.
	Browser func(url string) error
}

// Session is the connection state for one ion server. Every method except
// Apply must be called on the owner loop; results are delivered there too.
type Session struct {
	loop    *async.Loop
	hc      *http.Client
	store   *TokenStore
	events  *events.Broadcaster
	browser func(string) error
	log     *zap.Logger

	ctx  context.Context
	stop context.CancelFunc

	server       Server
	connection   *Connection
	published    atomic.Pointer[Connection]
	connecting   bool
	resuming     bool
	authorizeURL string
	cancel       context.CancelFunc

	// attempt invalidates late connect and resume completions; generation
	// invalidates late resource fetches.
	attempt    int
	generation int

	profile  resource[Profile]
	assets   resource[Assets]
	tokens   resource[TokenList]
	defaults resource[Defaults]

	projectDefault *Token
}

// NewSession creates a disconnected session.
func NewSession(loop *async.Loop, server Server, opts SessionOptions) *Session {
	ctx, stop := context.WithCancel(context.Background())
	s := &Session{
		loop:    loop,
		hc:      opts.HTTPClient,
		store:   opts.Store,
		events:  opts.Events,
		browser: opts.Browser,
		log:     logging.Named("ion").With(logging.String("server", server.Key())),
		ctx:     ctx,
		stop:    stop,
		server:  server,
	}
	if s.hc == nil {
		s.hc = http.DefaultClient
	}
	if s.browser == nil {
		s.browser = func(u string) error {
			s.log.Info("Open this URL to sign in", logging.URL(u))
			return nil
		}
	}
	return s
}

// Server returns the server this session talks to. APIURL is filled in
// once discovered.
func (s *Session) Server() Server {
	return s.server
}

// Connection returns the active connection, or nil.
func (s *Session) Connection() *Connection {
	return s.connection
}

func (s *Session) IsConnected() bool  { return s.connection != nil }
func (s *Session) IsConnecting() bool { return s.connecting }
func (s *Session) IsResuming() bool   { return s.resuming }

// AuthorizeURL is the sign-in page of a pending Connect, or "".
func (s *Session) AuthorizeURL() string {
	return s.authorizeURL
}

// Apply adds the session's bearer token to requests for its API host. It
// may be called from any goroutine.
func (s *Session) Apply(req *http.Request) {
	conn := s.published.Load()
	if conn == nil || req.Header.Get("Authorization") != "" {
		return
	}
	api, err := url.Parse(conn.APIURL())
	if err != nil || req.URL.Scheme != api.Scheme || req.URL.Host != api.Host {
		return
	}
	if tok := conn.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func (s *Session) setConnection(conn *Connection) {
	s.connection = conn
	s.published.Store(conn)
	metrics.SetSessionConnected(s.server.Key(), conn != nil)
}

func (s *Session) publish(eventType string) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Type:      eventType,
		Server:    s.server.Key(),
		Timestamp: time.Now().UnixMilli(),
	})
}

type connectResult struct {
	token  *oauth2.Token
	config *oauth2.Config
	apiURL string
	err    error
	log    *zap.Logger
}

// Connect signs in through the browser. It does nothing while connecting,
// resuming or already connected.
func (s *Session) Connect() {
	if s.connecting || s.resuming || s.connection != nil {
		return
	}
	s.connecting = true
	s.attempt++
	attempt := s.attempt
	ctx, cancel := context.WithCancel(logging.StartOperation(s.ctx, s.log, "connect"))
	s.cancel = cancel
	server := s.server
	logging.FromContext(ctx, s.log).Debug("Connecting")

	go func() {
		res := s.authorize(ctx, server, attempt)
		res.log = logging.FromContext(ctx, s.log)
		s.loop.Post(func() { s.finishConnect(attempt, res) })
	}()
}

func (s *Session) authorize(ctx context.Context, server Server, attempt int) connectResult {
	apiURL := server.APIURL
	if apiURL == "" {
		var err error
		if apiURL, err = APIURL(ctx, s.hc, server.ServerURL); err != nil {
			return connectResult{err: err}
		}
	}

	a, err := startAuthorization(ctx, server, apiURL)
	if err != nil {
		return connectResult{err: err}
	}
	defer a.close()

	s.loop.Post(func() {
		if attempt == s.attempt && s.connecting {
			s.authorizeURL = a.url
			s.publish(events.ConnectionUpdated)
		}
	})
	if err := s.browser(a.url); err != nil {
		logging.FromContext(ctx, s.log).Warn("Failed to open browser", logging.URL(a.url), logging.Err(err))
	}

	tok, err := a.wait(ctx, s.hc)
	return connectResult{token: tok, config: a.config, apiURL: apiURL, err: err}
}

func (s *Session) finishConnect(attempt int, res connectResult) {
	if attempt != s.attempt {
		return
	}
	s.connecting = false
	s.authorizeURL = ""
	s.cancel = nil

	if res.err != nil {
		res.log.Warn("Connect failed", logging.Err(res.err))
		s.publish(events.ConnectionUpdated)
		return
	}

	if s.server.APIURL == "" {
		s.server.APIURL = res.apiURL
	}
	ts := res.config.TokenSource(context.WithValue(s.ctx, oauth2.HTTPClient, s.hc), res.token)
	s.setConnection(NewConnectionWithTokenSource(s.hc, res.apiURL, ts))
	s.saveToken(res.apiURL, res.token)

	res.log.Info("Connected")
	s.publish(events.ConnectionUpdated)
	s.startQueuedLoads()
}

func (s *Session) saveToken(apiURL string, tok *oauth2.Token) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(tokenFileFrom(s.server, apiURL, tok)); err != nil {
		s.log.Warn("Failed to save token", logging.Err(err))
	}
}

// CancelConnect abandons a pending Connect. A later redirect is ignored.
func (s *Session) CancelConnect() {
	if !s.connecting {
		return
	}
	s.attempt++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.connecting = false
	s.authorizeURL = ""
	s.publish(events.ConnectionUpdated)
}

// Resume restores a saved token and verifies it against /v1/me. It does
// nothing when there is no saved token or a connection is under way.
func (s *Session) Resume() {
	if s.connecting || s.resuming || s.connection != nil || s.store == nil {
		return
	}
	tf, err := s.store.Load(s.server.Key())
	if err != nil {
		s.log.Warn("Failed to load saved token", logging.Err(err))
		return
	}
	if tf == nil {
		return
	}

	s.resuming = true
	s.attempt++
	attempt := s.attempt
	ctx, cancel := context.WithCancel(logging.StartOperation(s.ctx, s.log, "resume"))
	s.cancel = cancel
	server := s.server
	log := logging.FromContext(ctx, s.log)
	log.Debug("Resuming saved session")
	s.publish(events.ConnectionUpdated)

	go func() {
		conn := s.connectionFromTokenFile(ctx, server, tf)
		resp := conn.Me(ctx)
		s.loop.Post(func() { s.finishResume(attempt, log, conn, resp) })
	}()
}

func (s *Session) connectionFromTokenFile(ctx context.Context, server Server, tf *TokenFile) *Connection {
	apiURL := tf.APIURL
	if apiURL == "" {
		apiURL = server.APIURL
	}
	if tf.RefreshToken == "" {
		return NewConnection(s.hc, apiURL, tf.AccessToken)
	}
	cfg, _, err := oauthConfig(ctx, server, apiURL, "")
	if err != nil {
		logging.FromContext(ctx, s.log).Debug("Token refresh unavailable", logging.Err(err))
		return NewConnection(s.hc, apiURL, tf.AccessToken)
	}
	ts := cfg.TokenSource(context.WithValue(s.ctx, oauth2.HTTPClient, s.hc), tf.OAuth2())
	return NewConnectionWithTokenSource(s.hc, apiURL, ts)
}

func (s *Session) finishResume(attempt int, log *zap.Logger, conn *Connection, resp Response[Profile]) {
	if attempt != s.attempt {
		return
	}
	s.resuming = false
	s.cancel = nil

	if resp.Value == nil {
		log.Info("Saved token rejected", logging.Err(resp.Err()))
		if resp.InvalidCredentials() || resp.StatusCode == http.StatusUnauthorized {
			if err := s.store.Delete(s.server.Key()); err != nil {
				log.Warn("Failed to delete saved token", logging.Err(err))
			}
		}
		s.publish(events.ConnectionUpdated)
		return
	}

	if s.server.APIURL == "" {
		s.server.APIURL = conn.APIURL()
	}
	s.setConnection(conn)
	s.profile.value = resp.Value
	log.Info("Resumed saved session", logging.String("username", resp.Value.Username))
	s.publish(events.ConnectionUpdated)
	s.publish(events.ProfileUpdated)
	s.startQueuedLoads()
}

// Disconnect drops the connection and every loaded resource, deletes the
// saved token and broadcasts every session event.
func (s *Session) Disconnect() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.attempt++
	s.generation++
	s.connecting = false
	s.resuming = false
	s.authorizeURL = ""
	s.setConnection(nil)

	s.profile = resource[Profile]{}
	s.assets = resource[Assets]{}
	s.tokens = resource[TokenList]{}
	s.defaults = resource[Defaults]{}
	s.projectDefault = nil

	if s.store != nil {
		if err := s.store.Delete(s.server.Key()); err != nil {
			s.log.Warn("Failed to delete saved token", logging.Err(err))
		}
	}

	for _, e := range events.AllSessionEvents {
		s.publish(e)
	}
}

// Close cancels outstanding work. The session must not be used afterwards.
func (s *Session) Close() {
	s.stop()
}

// Refresh reloads a resource. While disconnected or already loading the
// load is queued and runs once possible.
func (s *Session) Refresh(r Resource) {
	switch r {
	case ResourceProfile:
		refresh(s, &s.profile, r, (*Connection).Me)
	case ResourceAssets:
		refresh(s, &s.assets, r, (*Connection).Assets)
	case ResourceTokens:
		refresh(s, &s.tokens, r, (*Connection).Tokens)
	case ResourceDefaults:
		refresh(s, &s.defaults, r, (*Connection).Defaults)
	}
}

func refresh[T any](s *Session, r *resource[T], kind Resource, fetch func(*Connection, context.Context) Response[T]) {
	if s.connection == nil || r.loading {
		r.queued = true
		return
	}
	r.loading = true
	r.queued = false

	conn, generation := s.connection, s.generation
	go func() {
		resp := fetch(conn, s.ctx)
		s.loop.Post(func() {
			if generation != s.generation {
				return
			}
			r.loading = false
			r.value = resp.Value
			metrics.RecordSessionRefresh(kind.String(), resp.Value != nil)
			if resp.Value == nil {
				s.log.Warn("Failed to load "+kind.String(), logging.Err(resp.Err()))
			}
			if s.rejected(resp.ErrorCode, resp.StatusCode) {
				return
			}
			s.publish(kind.String())
			if r.queued {
				refresh(s, r, kind, fetch)
			}
		})
	}()
}

// rejected disconnects when the server refused the session's credentials.
func (s *Session) rejected(code string, status int) bool {
	if code != ErrorCodeInvalidCredentials && status != http.StatusUnauthorized {
		return false
	}
	if s.connection == nil {
		return false
	}
	s.log.Info("Credentials rejected, disconnecting")
	s.Disconnect()
	return true
}

func (s *Session) startQueuedLoads() {
	for _, r := range resources {
		if s.queued(r) {
			s.Refresh(r)
		}
	}
}

func (s *Session) queued(r Resource) bool {
	switch r {
	case ResourceProfile:
		return s.profile.queued
	case ResourceAssets:
		return s.assets.queued
	case ResourceTokens:
		return s.tokens.queued
	case ResourceDefaults:
		return s.defaults.queued
	}
	return false
}

// IsLoading reports whether a fetch of r is outstanding.
func (s *Session) IsLoading(r Resource) bool {
	switch r {
	case ResourceProfile:
		return s.profile.loading
	case ResourceAssets:
		return s.assets.loading
	case ResourceTokens:
		return s.tokens.loading
	case ResourceDefaults:
		return s.defaults.loading
	}
	return false
}

// IsLoaded reports whether r holds a value.
func (s *Session) IsLoaded(r Resource) bool {
	switch r {
	case ResourceProfile:
		return s.profile.value != nil
	case ResourceAssets:
		return s.assets.value != nil
	case ResourceTokens:
		return s.tokens.value != nil
	case ResourceDefaults:
		return s.defaults.value != nil
	}
	return false
}

// RefreshIfNeeded refreshes r when it has no value or a load is queued.
func (s *Session) RefreshIfNeeded(r Resource) {
	if s.queued(r) || !s.IsLoaded(r) {
		s.Refresh(r)
	}
}

func (s *Session) RefreshProfileIfNeeded()  { s.RefreshIfNeeded(ResourceProfile) }
func (s *Session) RefreshAssetsIfNeeded()   { s.RefreshIfNeeded(ResourceAssets) }
func (s *Session) RefreshTokensIfNeeded()   { s.RefreshIfNeeded(ResourceTokens) }
func (s *Session) RefreshDefaultsIfNeeded() { s.RefreshIfNeeded(ResourceDefaults) }

// Profile returns the loaded profile, or an empty one after triggering a
// refresh.
func (s *Session) Profile() Profile {
	if s.profile.value == nil {
		s.Refresh(ResourceProfile)
		return Profile{}
	}
	return *s.profile.value
}

// Assets returns the loaded asset list, or an empty one after triggering a
// refresh.
func (s *Session) Assets() Assets {
	if s.assets.value == nil {
		s.Refresh(ResourceAssets)
		return Assets{}
	}
	return *s.assets.value
}

// Tokens returns the loaded tokens, or none after triggering a refresh.
func (s *Session) Tokens() []Token {
	if s.tokens.value == nil {
		s.Refresh(ResourceTokens)
		return nil
	}
	return s.tokens.value.Items
}

// Defaults returns the loaded defaults, or empty ones after triggering a
// refresh.
func (s *Session) Defaults() Defaults {
	if s.defaults.value == nil {
		s.Refresh(ResourceDefaults)
		return Defaults{}
	}
	return *s.defaults.value
}

// FindToken looks up the details of an access token by its jti claim. cb
// runs on the owner loop.
func (s *Session) FindToken(token string, cb func(Response[Token])) {
	if s.connection == nil {
		s.loop.Post(func() {
			cb(Response[Token]{ErrorCode: ErrorCodeNotConnected, ErrorMessage: "not connected to ion"})
		})
		return
	}
	id, ok := TokenID(token)
	if !ok {
		s.loop.Post(func() {
			cb(Response[Token]{ErrorCode: ErrorCodeInvalidToken, ErrorMessage: "token is not a JWT with a jti claim"})
		})
		return
	}
	s.fetchToken(id, cb)
}

func (s *Session) fetchToken(id string, cb func(Response[Token])) {
	conn := s.connection
	go func() {
		resp := conn.Token(s.ctx, id)
		s.loop.Post(func() {
			if conn == s.connection {
				s.rejected(resp.ErrorCode, resp.StatusCode)
			}
			cb(resp)
		})
	}()
}

// ProjectDefaultTokenDetails resolves the details of the server's default
// access token, by id when known and otherwise by value. When the lookup is
// impossible or fails, cb receives a Token carrying just the token string.
func (s *Session) ProjectDefaultTokenDetails(cb func(Token)) {
	if s.projectDefault != nil {
		t := *s.projectDefault
		s.loop.Post(func() { cb(t) })
		return
	}

	fallback := Token{Token: s.server.DefaultAccessToken}
	finish := func(resp Response[Token]) {
		if resp.Value == nil {
			cb(fallback)
			return
		}
		s.projectDefault = resp.Value
		cb(*resp.Value)
	}

	switch {
	case s.connection == nil:
		s.loop.Post(func() { cb(fallback) })
	case s.server.DefaultAccessTokenID != "":
		s.fetchToken(s.server.DefaultAccessTokenID, finish)
	case fallback.Token != "":
		s.FindToken(fallback.Token, finish)
	default:
		s.loop.Post(func() { cb(fallback) })
	}
}

// SetDefaultAccessToken changes the server's default token and forgets
// cached details.
func (s *Session) SetDefaultAccessToken(token, id string) {
	s.server.DefaultAccessToken = token
	s.server.DefaultAccessTokenID = id
	s.projectDefault = nil
}

// InvalidateProjectDefaultTokenDetails forgets cached default token details.
func (s *Session) InvalidateProjectDefaultTokenDetails() {
	s.projectDefault = nil
}

// Wait runs fn on the loop and blocks until it reports done through the
// supplied callback. It is for callers off the loop goroutine such as the
// CLI.
func Wait[T any](ctx context.Context, loop *async.Loop, fn func(done func(T))) (T, error) {
	result := make(chan T, 1)
	var zero T
	if !loop.Post(func() {
		fn(func(v T) {
			select {
			case result <- v:
			default:
			}
		})
	}) {
		return zero, async.ErrClosed
	}
	select {
	case v := <-result:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
