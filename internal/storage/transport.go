package storage

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tilestream/tilestream/internal/logging"
)

// Transport adapts a Backend to http.RoundTripper. Only GET and HEAD are
// supported. Missing objects become 404 responses; other backend failures
// are returned as transport errors.
type Transport struct {
	backend Backend
}

// NewTransport returns a round tripper reading from b.
func NewTransport(b Backend) *Transport {
	return &Transport{backend: b}
}

// Backend returns the wrapped backend.
func (t *Transport) Backend() Backend {
	return t.backend
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body.Close()
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return respond(req, http.StatusMethodNotAllowed, nil, nil), nil
	}

	key := strings.TrimPrefix(req.URL.Path, "/")
	if req.URL.Host == "" || (req.URL.Scheme == "file" && req.URL.Host == "localhost") {
		// file:///abs/path and file://localhost/abs/path keep the leading slash.
		key = req.URL.Path
	}

	obj, err := t.backend.GetObject(req.Context(), req.URL.Host, key)
	if errors.Is(err, ErrNotFound) {
		return respond(req, http.StatusNotFound, nil, nil), nil
	}
	if err != nil {
		logging.Debug("storage get failed",
			zap.String("backend", t.backend.Type()), logging.URL(req.URL.String()), zap.Error(err))
		return nil, err
	}

	h := http.Header{}
	if obj.ContentType != "" {
		h.Set("Content-Type", obj.ContentType)
	}
	if obj.ETag != "" {
		h.Set("ETag", obj.ETag)
	}
	if !obj.ModTime.IsZero() {
		h.Set("Last-Modified", obj.ModTime.UTC().Format(http.TimeFormat))
	}

	if notModified(req, obj) {
		obj.Body.Close()
		return respond(req, http.StatusNotModified, h, nil), nil
	}

	if obj.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	body := obj.Body
	if req.Method == http.MethodHead {
		body.Close()
		body = nil
	}
	resp := respond(req, http.StatusOK, h, body)
	resp.ContentLength = obj.Size
	return resp, nil
}

func notModified(req *http.Request, obj *Object) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		return obj.ETag != "" && inm == obj.ETag
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" && !obj.ModTime.IsZero() {
		t, err := http.ParseTime(ims)
		return err == nil && !obj.ModTime.Truncate(time.Second).After(t)
	}
	return false
}

func respond(req *http.Request, status int, h http.Header, body io.ReadCloser) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	if body == nil {
		body = io.NopCloser(bytes.NewReader(nil))
	}
	return &http.Response{
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     h,
		Body:       body,
		Request:    req,
	}
}
