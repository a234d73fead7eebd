package cache

import (
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Entry is a stored HTTP response.
type Entry struct {
	Signature      string
	URL            string
	StatusCode     int
	Header         http.Header
	Body           []byte
	InsertedAt     time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
}

// Clone returns a copy of e that shares no mutable state with it.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// Signature returns the cache key for a request: the BLAKE2b-256 hex digest
// of "METHOD URL" followed by one "name:value" line per header. When
// varyHeaders is nil every header in header participates; otherwise only
// the named ones do. Header names are canonicalized and sorted so that map
// order never changes the key.
func Signature(method, url string, header http.Header, varyHeaders []string) string {
	var names []string
	if varyHeaders == nil {
		for name := range header {
			names = append(names, http.CanonicalHeaderKey(name))
		}
	} else {
		for _, name := range varyHeaders {
			names = append(names, http.CanonicalHeaderKey(name))
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(url)
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(name))
		b.WriteByte(':')
		b.WriteString(strings.Join(header.Values(name), ","))
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
