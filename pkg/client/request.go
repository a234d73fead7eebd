package client

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/tilestream/tilestream/pkg/cache"
)

// Request describes a fetch. Header participates in the request signature,
// so two requests that differ only in headers are fetched separately.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// NewGet returns a GET request for url.
func NewGet(url string) Request {
	return Request{Method: http.MethodGet, URL: url}
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Signature returns the key used for de-duplication and caching.
func (r Request) Signature() string {
	return cache.Signature(r.method(), r.URL, r.Header, nil)
}

func (r Request) scheme() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// Response is the outcome of a fetch. Every subscriber of a request receives
// the same *Response and must treat it as read-only.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Err is set for transport failures, in which case StatusCode is 0.
	Err error
	// FromCache is set when the body came from the cache, including after a
	// successful revalidation.
	FromCache bool
}

// OK reports whether the status is in [200, 300).
func (r *Response) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Error returns the transport error, a *StatusError for a non-2xx status,
// or nil.
func (r *Response) Error() error {
	if r.Err != nil {
		return r.Err
	}
	if !r.OK() {
		return &StatusError{URL: r.URL, StatusCode: r.StatusCode}
	}
	return nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Callback receives the response of a fetch on the owner loop.
type Callback func(*Response)
