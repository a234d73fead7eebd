// Package uri resolves and edits the URIs found in tileset documents.
//
// All functions are pure and fail soft: when an input cannot be parsed they
// return it unchanged rather than an error, so a single malformed reference
// never aborts a tree walk.
package uri

import (
	"net/url"
	"path"
	"strings"
)

// Resolve resolves relative against base per RFC 3986, removing dot
// segments. If base is not an absolute URI or either side fails to parse,
// relative is returned unchanged.
//
// When mergeBaseQuery is set and base carries a query, that query is
// appended to the result, joined with '&' if the result already has one.
func Resolve(base, relative string, mergeBaseQuery bool) string {
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return relative
	}
	r, err := url.Parse(relative)
	if err != nil {
		return relative
	}

	resolved := b.ResolveReference(r)
	if mergeBaseQuery && b.RawQuery != "" {
		if resolved.RawQuery != "" {
			resolved.RawQuery += "&" + b.RawQuery
		} else {
			resolved.RawQuery = b.RawQuery
		}
	}
	return resolved.String()
}

// AddQuery appends key=value to the query of uri, percent-encoding both.
// The fragment is preserved. On parse failure uri is returned unchanged.
func AddQuery(uri, key, value string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	pair := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	if u.RawQuery == "" {
		u.RawQuery = pair
	} else {
		u.RawQuery += "&" + pair
	}
	u.ForceQuery = false
	return u.String()
}

// QueryValue returns the first value of key in the query of uri, or "".
func QueryValue(uri, key string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}

// Directory returns uri with the last path segment, query and fragment
// removed. The result ends in '/'.
func Directory(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	dir := u.Path
	if i := strings.LastIndexByte(dir, '/'); i >= 0 {
		dir = dir[:i+1]
	} else {
		dir = ""
	}
	u.Path = dir
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Extension returns the lowercase extension of the path of uri, including
// the dot, ignoring query and fragment. It returns "" when there is none.
func Extension(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}
