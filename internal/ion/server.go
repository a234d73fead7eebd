// Package ion talks to a Cesium ion style asset service: server
// identities, the REST connection, OAuth2 sign-in and the per-server
// session state machine.
package ion

import "strings"

// Server identifies an ion deployment.
type Server struct {
	// Name is a display name.
	Name string
	// ServerURL is the web front end; it serves config.json and /oauth.
	ServerURL string
	// APIURL is the REST API root. When empty it is discovered from
	// {ServerURL}/config.json on connect.
	APIURL string
	// OAuth2ApplicationID is the OAuth2 client id registered with the server.
	OAuth2ApplicationID int64
	// IssuerURL enables OIDC discovery of the OAuth2 endpoints.
	IssuerURL string
	// DefaultAccessToken is the token used for streaming when no session
	// token applies.
	DefaultAccessToken string
	// DefaultAccessTokenID, if set, is looked up directly by
	// ProjectDefaultTokenDetails.
	DefaultAccessTokenID string
}

// DefaultServer returns the public Cesium ion server.
func DefaultServer() Server {
	return Server{
		Name:                "Cesium ion",
		ServerURL:           "https://ion.cesium.com",
		APIURL:              "https://api.cesium.com",
		OAuth2ApplicationID: 190,
	}
}

// Key identifies the server in registries and token stores.
func (s Server) Key() string {
	if s.ServerURL != "" {
		return strings.TrimRight(s.ServerURL, "/")
	}
	return strings.TrimRight(s.APIURL, "/")
}

// OAuthScopes are requested on sign-in.
var OAuthScopes = []string{
	"assets:list",
	"assets:read",
	"profile:read",
	"tokens:read",
	"tokens:write",
	"geocode",
}
