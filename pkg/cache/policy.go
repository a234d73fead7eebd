package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Freshness rules follow RFC 9111 closely enough for static tile content:
// max-age and s-maxage win over Expires, no-store is never kept, and
// no-cache entries are kept but always revalidated.

type cacheControl map[string]string

func parseCacheControl(h http.Header) cacheControl {
	cc := cacheControl{}
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			cc[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return cc
}

func (cc cacheControl) seconds(name string) (time.Duration, bool) {
	v, ok := cc[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Cacheable reports whether a response to method with the given status and
// headers may be stored at all.
func Cacheable(method string, status int, h http.Header) bool {
	if method != http.MethodGet && method != "" {
		return false
	}
	if status < 200 || status >= 300 {
		return false
	}
	_, noStore := parseCacheControl(h)["no-store"]
	return !noStore
}

// Expiry computes when a response received at now stops being fresh.
// storable is false when the response carries no freshness information,
// no validator, and defaultTTL is zero.
func Expiry(h http.Header, now time.Time, defaultTTL time.Duration) (expires time.Time, storable bool) {
	cc := parseCacheControl(h)
	if _, ok := cc["no-cache"]; ok {
		return now, true
	}
	if d, ok := cc.seconds("s-maxage"); ok {
		return now.Add(d), true
	}
	if d, ok := cc.seconds("max-age"); ok {
		return now.Add(d), true
	}
	if v := h.Get("Expires"); v != "" {
		t, err := http.ParseTime(v)
		if err != nil {
			// An invalid Expires means already expired.
			return now, true
		}
		return t, true
	}
	if defaultTTL > 0 {
		return now.Add(defaultTTL), true
	}
	if HasValidator(h) {
		return now, true
	}
	return time.Time{}, false
}

// HasValidator reports whether h carries an ETag or Last-Modified header.
func HasValidator(h http.Header) bool {
	return h.Get("ETag") != "" || h.Get("Last-Modified") != ""
}

// Fresh reports whether e can be served at now without contacting the
// origin.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// CanRevalidate reports whether a stale e can be revalidated with a
// conditional request.
func (e *Entry) CanRevalidate() bool {
	return HasValidator(e.Header)
}

// ConditionalHeaders returns the If-None-Match / If-Modified-Since headers
// for revalidating e.
func (e *Entry) ConditionalHeaders() http.Header {
	h := http.Header{}
	if etag := e.Header.Get("ETag"); etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lm := e.Header.Get("Last-Modified"); lm != "" {
		h.Set("If-Modified-Since", lm)
	}
	return h
}

// Revalidated applies a 304 response's headers to e and recomputes its
// expiry. Only end-to-end headers present in the 304 are replaced.
func (e *Entry) Revalidated(h http.Header, now time.Time, defaultTTL time.Duration) {
	if e.Header == nil {
		e.Header = http.Header{}
	}
	for name, values := range h {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Connection", "Transfer-Encoding", "Keep-Alive":
			continue
		}
		e.Header[name] = append([]string(nil), values...)
	}
	if expires, ok := Expiry(e.Header, now, defaultTTL); ok {
		e.ExpiresAt = expires
	} else {
		e.ExpiresAt = now
	}
}
