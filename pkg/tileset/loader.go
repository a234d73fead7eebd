package tileset

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/internal/metrics"
	"github.com/tilestream/tilestream/pkg/client"
	"github.com/tilestream/tilestream/pkg/uri"
)

// Attachment is the caller's scene object that leaf content is attached
// under. The loader passes it through untouched.
type Attachment any

// FailureType classifies a LoadFailure.
type FailureType int

const (
	FailureTilesetJSON FailureType = iota
	FailureIonAsset
	FailureContent
	FailureExternalTileset
)

func (t FailureType) String() string {
	switch t {
	case FailureTilesetJSON:
		return "tileset_json"
	case FailureIonAsset:
		return "ion_asset"
	case FailureContent:
		return "content"
	case FailureExternalTileset:
		return "external_tileset"
	}
	return "unknown"
}

// LoadFailure describes content that could not be loaded.
type LoadFailure struct {
	Type FailureType
	// HTTPStatusCode is 0 for transport and parse failures.
	HTTPStatusCode int
	URL            string
	Message        string
	Source         *Load
}

// Hooks receive loader output on the owner loop. Either may be nil.
type Hooks struct {
	// OnLeafContentFetched receives each leaf payload and the attachment it
	// belongs under. Its result is recorded on the Load.
	OnLeafContentFetched func(uri string, body []byte, parent Attachment) Attachment
	// OnLoadFailure reports failed fetches. Failures are not retried.
	OnLoadFailure func(LoadFailure)
	// Parent is the attachment passed for leaves of this load.
	Parent Attachment
}

// Options configures a Loader.
type Options struct {
	// LeavesOnly treats a node with a children array as structure only,
	// never as content.
	LeavesOnly bool
	// DisableExternalTilesets skips content that is itself a tileset.
	DisableExternalTilesets bool
	// MaxExternalDepth bounds nested external tilesets.
	MaxExternalDepth int
}

// DefaultOptions returns leaves-only loading with external tilesets
// followed 16 levels deep.
func DefaultOptions() Options {
	return Options{LeavesOnly: true, MaxExternalDepth: 16}
}

// Loader expands tileset trees.
type Loader struct {
	client *client.Client
	opts   Options
	log    *zap.Logger
}

// NewLoader creates a loader that fetches through c.
func NewLoader(c *client.Client, opts Options) *Loader {
	if opts.MaxExternalDepth <= 0 {
		opts.MaxExternalDepth = DefaultOptions().MaxExternalDepth
	}
	return &Loader{client: c, opts: opts, log: logging.Named("tileset")}
}

// Options returns the loader's options.
func (l *Loader) Options() Options {
	return l.opts
}

// Stats counts what a load did.
type Stats struct {
	// Nodes counts tiles in every document loaded.
	Nodes    int
	Leaves   int
	External int
	Failures int
	// Skipped counts malformed nodes and external tilesets not followed.
	Skipped int
	// Formats counts leaf payloads by detected format.
	Formats map[string]int
}

// Load is one tileset expansion. Its methods must be called on the owner
// loop, except Done and Wait; Stats and Attachments are also safe once Done
// is closed.
type Load struct {
	loader  *Loader
	id      string
	log     *zap.Logger
	url     string
	hooks   Hooks
	futures map[*client.Future]struct{}
	visited map[string]bool
	pending int

	stats       Stats
	attachments []Attachment
	canceled    bool
	done        chan struct{}
}

func (l *Loader) newLoad(hooks Hooks) *Load {
	op := logging.StartOperation(context.Background(), l.log, "load")
	return &Load{
		loader:  l,
		id:      logging.OperationID(op),
		log:     logging.FromContext(op, l.log),
		hooks:   hooks,
		futures: make(map[*client.Future]struct{}),
		visited: make(map[string]bool),
		stats:   Stats{Formats: make(map[string]int)},
		done:    make(chan struct{}),
	}
}

// Load fetches the tileset at url and expands it. Must be called on the
// owner loop.
func (l *Loader) Load(url string, hooks Hooks) *Load {
	ld := l.newLoad(hooks)
	ld.start(url)
	ld.settle()
	return ld
}

// LoadIonAsset resolves an ion asset's streaming endpoint and loads its
// tileset. The endpoint's access token is appended to every request unless
// the endpoint URL already carries one.
func (l *Loader) LoadIonAsset(apiURL string, assetID int64, accessToken string, hooks Hooks) *Load {
	ld := l.newLoad(hooks)

	endpoint := uri.Resolve(withSlash(apiURL), fmt.Sprintf("v1/assets/%d/endpoint", assetID), false)
	if accessToken != "" {
		endpoint = uri.AddQuery(endpoint, "access_token", accessToken)
	}

	ld.fetch(endpoint, func(resp *client.Response) {
		if !resp.OK() {
			ld.fail(FailureIonAsset, resp, "asset endpoint request failed")
			return
		}
		var ep struct {
			Type        string `json:"type"`
			URL         string `json:"url"`
			AccessToken string `json:"accessToken"`
		}
		if err := json.Unmarshal(resp.Body, &ep); err != nil || ep.URL == "" {
			ld.fail(FailureIonAsset, resp, "asset endpoint response has no url")
			return
		}
		if ep.Type != "" && ep.Type != "3DTILES" {
			ld.fail(FailureIonAsset, resp, "asset type "+ep.Type+" is not a tileset")
			return
		}
		target := ep.URL
		if ep.AccessToken != "" && uri.QueryValue(target, "access_token") == "" {
			target = uri.AddQuery(target, "access_token", ep.AccessToken)
		}
		ld.start(target)
	})
	ld.settle()
	return ld
}

func (ld *Load) start(url string) {
	ld.log.Debug("Loading tileset")
	ld.url = url
	ld.visited[url] = true
	ld.fetch(url, func(resp *client.Response) {
		if !resp.OK() {
			ld.fail(FailureTilesetJSON, resp, "tileset request failed")
			return
		}
		doc, err := ParseDocument(resp.Body)
		if err != nil {
			ld.fail(FailureTilesetJSON, resp, "invalid tileset JSON: "+err.Error())
			return
		}
		if !doc.RootOK {
			ld.skip(url, "tileset has no root")
			return
		}
		ld.stats.Nodes += CountNodes(doc.Root)
		ld.expand(doc.Root, url, 0)
	})
}

// expand walks a node whose content resolves against base.
func (ld *Load) expand(n TileNode, base string, depth int) {
	if ld.canceled {
		return
	}

	if bearsContent(n, ld.loader.opts.LeavesOnly) {
		full := uri.Resolve(base, *n.ContentURI, true)
		if uri.Extension(full) == ".json" {
			ld.external(full, depth+1)
			return
		}
		ld.leaf(full)
		return
	}

	for _, child := range n.Children {
		ld.expand(child, base, depth)
	}
	ld.stats.Skipped += n.Malformed
}

func (ld *Load) leaf(full string) {
	ld.fetch(full, func(resp *client.Response) {
		if !resp.OK() {
			ld.fail(FailureContent, resp, "content request failed")
			return
		}
		ld.stats.Leaves++
		ld.stats.Formats[DetectFormat(resp.Body).Extension]++
		metrics.RecordTileLoad("content", true)
		if h := ld.hooks.OnLeafContentFetched; h != nil {
			if att := h(full, resp.Body, ld.hooks.Parent); att != nil {
				ld.attachments = append(ld.attachments, att)
			}
		}
	})
}

func (ld *Load) external(full string, depth int) {
	opts := ld.loader.opts
	switch {
	case opts.DisableExternalTilesets:
		ld.skip(full, "external tilesets disabled")
		return
	case ld.visited[full]:
		ld.skip(full, "external tileset already loaded")
		return
	case depth > opts.MaxExternalDepth:
		ld.failMessage(FailureExternalTileset, full, 0, fmt.Sprintf("external tileset nesting exceeds %d", opts.MaxExternalDepth))
		return
	}
	ld.visited[full] = true

	ld.fetch(full, func(resp *client.Response) {
		if !resp.OK() {
			ld.fail(FailureExternalTileset, resp, "external tileset request failed")
			return
		}
		doc, err := ParseDocument(resp.Body)
		if err != nil || !doc.RootOK {
			ld.skip(full, "malformed external tileset")
			return
		}
		ld.stats.External++
		ld.stats.Nodes += CountNodes(doc.Root)
		metrics.RecordTileLoad("external", true)
		ld.expand(doc.Root, full, depth)
	})
}

func (ld *Load) fetch(url string, handle func(*client.Response)) {
	ld.pending++
	var fut *client.Future
	fut = ld.loader.client.Fetch(client.NewGet(url), func(resp *client.Response) {
		delete(ld.futures, fut)
		ld.pending--
		if !ld.canceled {
			handle(resp)
		}
		ld.settle()
	})
	ld.futures[fut] = struct{}{}
}

// settle closes done once nothing is outstanding.
func (ld *Load) settle() {
	if ld.pending > 0 {
		return
	}
	select {
	case <-ld.done:
	default:
		ld.log.Debug("Load finished",
			logging.Int("leaves", ld.stats.Leaves),
			logging.Int("external", ld.stats.External),
			logging.Int("failures", ld.stats.Failures))
		close(ld.done)
	}
}

func (ld *Load) skip(url, reason string) {
	ld.stats.Skipped++
	ld.log.Debug("Skipping tileset node", logging.URL(url), logging.String("reason", reason))
}

func (ld *Load) fail(t FailureType, resp *client.Response, msg string) {
	if resp.Err != nil {
		msg = msg + ": " + resp.Err.Error()
	} else if resp.StatusCode != 0 && !resp.OK() {
		msg = fmt.Sprintf("%s: %d %s", msg, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	ld.failMessage(t, resp.URL, resp.StatusCode, msg)
}

func (ld *Load) failMessage(t FailureType, url string, status int, msg string) {
	ld.stats.Failures++
	if t == FailureContent || t == FailureExternalTileset {
		kind := "content"
		if t == FailureExternalTileset {
			kind = "external"
		}
		metrics.RecordTileLoad(kind, false)
	}
	ld.log.Warn("Tileset load failure",
		logging.String("type", t.String()),
		logging.URL(url),
		logging.Int("status", status),
		logging.String("message", msg))
	if h := ld.hooks.OnLoadFailure; h != nil {
		h(LoadFailure{Type: t, HTTPStatusCode: status, URL: url, Message: msg, Source: ld})
	}
}

// ID identifies the load in log output.
func (ld *Load) ID() string {
	return ld.id
}

// URL is the tileset URL, including any access token. For ion assets it is
// empty until the endpoint resolves.
func (ld *Load) URL() string {
	return ld.url
}

// Cancel cancels every outstanding fetch of this load. Hooks are not called
// afterwards.
func (ld *Load) Cancel() {
	if ld.canceled {
		return
	}
	ld.canceled = true
	for fut := range ld.futures {
		fut.Cancel()
	}
	ld.futures = make(map[*client.Future]struct{})
	ld.pending = 0
	ld.settle()
}

// Canceled reports whether Cancel was called.
func (ld *Load) Canceled() bool {
	return ld.canceled
}

// Done is closed when every fetch has completed or the load is canceled.
func (ld *Load) Done() <-chan struct{} {
	return ld.done
}

// Wait blocks until Done or ctx ends. It must not be called on the loop.
func (ld *Load) Wait(ctx context.Context) error {
	select {
	case <-ld.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a copy of the load's counters.
func (ld *Load) Stats() Stats {
	s := ld.stats
	s.Formats = make(map[string]int, len(ld.stats.Formats))
	for k, v := range ld.stats.Formats {
		s.Formats[k] = v
	}
	return s
}

// Attachments returns what OnLeafContentFetched returned, in completion
// order.
func (ld *Load) Attachments() []Attachment {
	return ld.attachments
}

func withSlash(s string) string {
	if s == "" || s[len(s)-1] == '/' {
		return s
	}
	return s + "/"
}
