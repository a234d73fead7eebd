package client

import (
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// Version is reported in the X-Cesium-Client-Version header.
var Version = "dev"

// DefaultHeaders returns the headers sent with every request.
func DefaultHeaders() http.Header {
	return http.Header{
		"User-Agent":              {"tilestream/" + Version},
		"X-Cesium-Client":         {"tilestream"},
		"X-Cesium-Client-Version": {Version},
		"X-Cesium-Client-Os":      {runtime.GOOS},
	}
}

// HTTPTransport is the round tripper used by a Client. It sends http and
// https requests over a pooled http.Transport and hands other schemes to
// registered round trippers.
type HTTPTransport struct {
	// Header holds defaults added to requests that do not already set them.
	// They do not participate in request signatures.
	Header http.Header

	base *http.Transport

	mu      sync.RWMutex
	schemes map[string]http.RoundTripper
}

// NewHTTPTransport creates a transport with pooled connections.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Header: DefaultHeaders(),
		base: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		schemes: make(map[string]http.RoundTripper),
	}
}

// Register routes requests for scheme to rt.
func (t *HTTPTransport) Register(scheme string, rt http.RoundTripper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemes[scheme] = rt
}

// Schemes returns the registered non-HTTP schemes.
func (t *HTTPTransport) Schemes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.schemes))
	for s := range t.schemes {
		out = append(out, s)
	}
	return out
}

// RoundTrip implements http.RoundTripper.
func (t *HTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.RLock()
	rt, ok := t.schemes[req.URL.Scheme]
	t.mu.RUnlock()
	if !ok {
		rt = t.base
	}

	if len(t.Header) > 0 {
		req = req.Clone(req.Context())
		if req.Header == nil {
			req.Header = http.Header{}
		}
		for name, values := range t.Header {
			if req.Header.Get(name) == "" {
				req.Header[name] = values
			}
		}
	}
	return rt.RoundTrip(req)
}

// CloseIdleConnections closes idle pooled connections.
func (t *HTTPTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}
