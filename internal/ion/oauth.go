package ion

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/pkg/uri"
)

// CallbackPath is the loopback redirect path registered for the OAuth2
// application.
const CallbackPath = "/tilestream/oauth2/callback"

var (
	// ErrConnectCanceled is returned when an authorization is abandoned.
	ErrConnectCanceled = errors.New("ion: connect canceled")
	// ErrNotConnected is returned by blocking helpers when a session has no
	// connection.
	ErrNotConnected = errors.New("ion: not connected")
)

// authorization is one pending OAuth2 authorization-code + PKCE exchange.
type authorization struct {
	config   *oauth2.Config
	verifier string
	state    string
	url      string
	idTokens *oidc.IDTokenVerifier

	listener net.Listener
	server   *http.Server
	result   chan callbackResult
	log      *zap.Logger
}

type callbackResult struct {
	code string
	err  error
}

// oauthConfig builds the OAuth2 client configuration for a server. With an
// issuer URL the endpoints come from OIDC discovery; otherwise the authorize
// page is {server}/oauth and the token endpoint {api}/oauth/token.
func oauthConfig(ctx context.Context, server Server, apiURL, redirectURL string) (*oauth2.Config, *oidc.IDTokenVerifier, error) {
	cfg := &oauth2.Config{
		ClientID:    strconv.FormatInt(server.OAuth2ApplicationID, 10),
		RedirectURL: redirectURL,
		Scopes:      OAuthScopes,
	}

	if server.IssuerURL != "" {
		provider, err := oidc.NewProvider(ctx, server.IssuerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("oidc provider init: %w", err)
		}
		cfg.Endpoint = provider.Endpoint()
		cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams
		cfg.Scopes = append([]string{oidc.ScopeOpenID}, OAuthScopes...)
		return cfg, provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), nil
	}

	serverURL := server.ServerURL
	if serverURL == "" {
		serverURL = apiURL
	}
	cfg.Endpoint = oauth2.Endpoint{
		AuthURL:   uri.Resolve(withSlash(serverURL), "oauth", false),
		TokenURL:  uri.Resolve(withSlash(apiURL), "oauth/token", false),
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return cfg, nil, nil
}

// startAuthorization opens the loopback callback server and prepares the
// authorize URL.
func startAuthorization(ctx context.Context, server Server, apiURL string) (*authorization, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening for oauth callback: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	redirect := fmt.Sprintf("http://127.0.0.1:%d%s", port, CallbackPath)

	cfg, verifier, err := oauthConfig(ctx, server, apiURL, redirect)
	if err != nil {
		ln.Close()
		return nil, err
	}

	a := &authorization{
		config:   cfg,
		verifier: oauth2.GenerateVerifier(),
		state:    uuid.NewString(),
		idTokens: verifier,
		listener: ln,
		result:   make(chan callbackResult, 1),
		log:      logging.FromContext(ctx, logging.Named("ion")),
	}
	a.url = cfg.AuthCodeURL(a.state, oauth2.S256ChallengeOption(a.verifier))

	r := mux.NewRouter()
	r.HandleFunc(CallbackPath, a.handleCallback).Methods(http.MethodGet)
	a.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("oauth callback server stopped", logging.Err(err))
		}
	}()
	return a, nil
}

// handleCallback answers the loopback redirect. Requests that do not carry
// the attempt's state are rejected and do not end the attempt.
func (a *authorization) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if q.Get("state") != a.state {
		a.log.Debug("Ignoring oauth callback with unknown state")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "<html><body><h2>Sign-in failed</h2><p>Unknown sign-in request.</p></body></html>")
		return
	}

	var res callbackResult
	switch {
	case q.Get("error") != "":
		res.err = fmt.Errorf("authorization denied: %s %s", q.Get("error"), q.Get("error_description"))
	case q.Get("code") == "":
		res.err = errors.New("oauth callback without code")
	default:
		res.code = q.Get("code")
	}

	if res.err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<html><body><h2>Sign-in failed</h2><p>%s</p></body></html>", html.EscapeString(res.err.Error()))
	} else {
		fmt.Fprint(w, "<html><body><h2>Signed in</h2><p>You may close this window.</p></body></html>")
	}

	select {
	case a.result <- res:
	default:
	}
}

// wait blocks for the redirect, then exchanges the code for a token.
func (a *authorization) wait(ctx context.Context, hc *http.Client) (*oauth2.Token, error) {
	var res callbackResult
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrConnectCanceled
		}
		return nil, ctx.Err()
	case res = <-a.result:
	}
	if res.err != nil {
		return nil, res.err
	}

	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	tok, err := a.config.Exchange(ctx, res.code, oauth2.VerifierOption(a.verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	if a.idTokens != nil {
		if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
			if _, err := a.idTokens.Verify(ctx, raw); err != nil {
				return nil, fmt.Errorf("verifying id token: %w", err)
			}
		}
	}
	return tok, nil
}

// close shuts the callback server down.
func (a *authorization) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.server.Shutdown(ctx)
}

func withSlash(s string) string {
	if s == "" || s[len(s)-1] == '/' {
		return s
	}
	return s + "/"
}
