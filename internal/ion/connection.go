package ion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/oauth2"

	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/pkg/retry"
	"github.com/tilestream/tilestream/pkg/uri"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Connection is an authenticated REST client for one ion API.
// It is safe for concurrent use.
type Connection struct {
	hc     *http.Client
	apiURL string
	tokens oauth2.TokenSource
	retry  retry.Config
}

// NewConnection creates a connection that sends a fixed access token.
func NewConnection(hc *http.Client, apiURL, accessToken string) *Connection {
	return NewConnectionWithTokenSource(hc, apiURL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
}

// NewConnectionWithTokenSource creates a connection whose token comes from
// ts. An oauth2 reuse source refreshes expired tokens transparently.
func NewConnectionWithTokenSource(hc *http.Client, apiURL string, ts oauth2.TokenSource) *Connection {
	if hc == nil {
		hc = http.DefaultClient
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	return &Connection{
		hc:     hc,
		apiURL: apiURL,
		tokens: ts,
		retry:  retry.DefaultConfig(),
	}
}

// APIURL returns the API root, always ending in a slash.
func (c *Connection) APIURL() string {
	return c.apiURL
}

// SetRetry replaces the retry policy.
func (c *Connection) SetRetry(cfg retry.Config) {
	c.retry = cfg
}

// OAuthToken returns the current OAuth2 token, refreshing it if needed.
func (c *Connection) OAuthToken() (*oauth2.Token, error) {
	return c.tokens.Token()
}

// AccessToken returns the current access token, or "" when unavailable.
func (c *Connection) AccessToken() string {
	tok, err := c.tokens.Token()
	if err != nil {
		return ""
	}
	return tok.AccessToken
}

// Me fetches the signed-in user's profile.
func (c *Connection) Me(ctx context.Context) Response[Profile] {
	return get[Profile](ctx, c, "v1/me")
}

// Assets lists the account's assets.
func (c *Connection) Assets(ctx context.Context) Response[Assets] {
	return get[Assets](ctx, c, "v1/assets")
}

// Tokens lists the account's access tokens.
func (c *Connection) Tokens(ctx context.Context) Response[TokenList] {
	return get[TokenList](ctx, c, "v1/tokens")
}

// Token fetches one access token by id.
func (c *Connection) Token(ctx context.Context, id string) Response[Token] {
	return get[Token](ctx, c, "v1/tokens/"+url.PathEscape(id))
}

// Defaults fetches the default and quick-add assets.
func (c *Connection) Defaults(ctx context.Context) Response[Defaults] {
	return get[Defaults](ctx, c, "v1/defaults")
}

// AppData fetches the server deployment description.
func (c *Connection) AppData(ctx context.Context) Response[AppData] {
	return get[AppData](ctx, c, "appData")
}

// AssetEndpoint fetches the streaming endpoint of an asset.
func (c *Connection) AssetEndpoint(ctx context.Context, assetID int64) Response[AssetEndpoint] {
	return get[AssetEndpoint](ctx, c, fmt.Sprintf("v1/assets/%d/endpoint", assetID))
}

func get[T any](ctx context.Context, c *Connection, path string) Response[T] {
	target := uri.Resolve(c.apiURL, path, false)

	tok, err := c.tokens.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			out := Response[T]{ErrorCode: ErrorCodeInvalidCredentials, ErrorMessage: err.Error()}
			if re.Response != nil {
				out.StatusCode = re.Response.StatusCode
			}
			return out
		}
		return Response[T]{ErrorCode: ErrorCodeNetwork, ErrorMessage: err.Error()}
	}

	status, body, err := c.fetch(ctx, target, tok.AccessToken)
	if err != nil {
		var sf *statusFailure
		if errors.As(err, &sf) {
			return Response[T]{StatusCode: sf.status, ErrorCode: sf.code(), ErrorMessage: sf.message()}
		}
		return Response[T]{ErrorCode: ErrorCodeNetwork, ErrorMessage: err.Error()}
	}

	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return Response[T]{StatusCode: status, ErrorCode: ErrorCodeParse, ErrorMessage: err.Error()}
	}
	return Response[T]{Value: &v, StatusCode: status}
}

// fetch GETs target with retries and returns the body of a 2xx response.
// Non-2xx responses are returned as *statusFailure.
func (c *Connection) fetch(ctx context.Context, target, accessToken string) (int, []byte, error) {
	cfg := c.retry
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.FromContext(ctx, logging.Named("ion")).Debug("retrying request",
			logging.URL(target),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Err(err))
	}

	type result struct {
		status int
		body   []byte
	}
	r, err := retry.DoWithResult(ctx, cfg, func() (result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return result{}, err
		}
		req.Header.Set("Accept", "application/json")
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		if err := retry.CheckStatus(resp); err != nil {
			sf := &statusFailure{status: resp.StatusCode}
			_ = json.Unmarshal(body, &sf.body)
			if retry.IsRetryable(err) {
				return result{}, retry.Retryable(sf)
			}
			return result{}, sf
		}
		return result{status: resp.StatusCode, body: body}, nil
	})
	return r.status, r.body, err
}

// statusFailure is a non-2xx response with its decoded error body.
type statusFailure struct {
	status int
	body   errorBody
}

func (e *statusFailure) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.message())
}

func (e *statusFailure) code() string {
	if e.body.Code != "" {
		return e.body.Code
	}
	if e.status == http.StatusUnauthorized {
		return ErrorCodeInvalidCredentials
	}
	return ""
}

func (e *statusFailure) message() string {
	if e.body.Message != "" {
		return e.body.Message
	}
	return http.StatusText(e.status)
}

type configJSON struct {
	APIHostname string `json:"apiHostname"`
}

// APIURL discovers the API root of an ion server from
// {serverURL}/config.json. The API keeps the server's scheme and uses the
// advertised apiHostname.
func APIURL(ctx context.Context, hc *http.Client, serverURL string) (string, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	base := serverURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	target := uri.Resolve(base, "config.json", false)

	c := &Connection{hc: hc, retry: retry.DefaultConfig()}
	_, body, err := c.fetch(ctx, target, "")
	if err != nil {
		if host := wellKnownAPIURL(serverURL); host != "" {
			return host, nil
		}
		return "", fmt.Errorf("fetching %s: %w", target, err)
	}

	var cfg configJSON
	if err := json.Unmarshal(body, &cfg); err != nil {
		return "", fmt.Errorf("parsing %s: %w", target, err)
	}
	if cfg.APIHostname == "" {
		return "", fmt.Errorf("%s has no apiHostname", target)
	}

	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" {
		return "https://" + cfg.APIHostname + "/", nil
	}
	return u.Scheme + "://" + cfg.APIHostname + "/", nil
}

func wellKnownAPIURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	if u.Host == "ion.cesium.com" {
		return "https://api.cesium.com/"
	}
	return ""
}

// TokenID extracts the jti claim of an ion access token without verifying
// its signature.
func TokenID(token string) (string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	jti, ok := claims["jti"].(string)
	if !ok || jti == "" {
		return "", false
	}
	return jti, true
}
