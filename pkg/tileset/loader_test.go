package tileset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/pkg/async"
	"github.com/tilestream/tilestream/pkg/cache"
	"github.com/tilestream/tilestream/pkg/client"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type route struct {
	status int
	body   string
	gate   chan struct{}
}

// tileServer serves fixed bodies and records every request.
type tileServer struct {
	*httptest.Server
	mu       sync.Mutex
	routes   map[string]route
	requests []*http.Request
}

func newTileServer(t *testing.T, routes map[string]route) *tileServer {
	t.Helper()
	s := &tileServer{routes: routes}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r)
		rt, ok := s.routes[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rt.gate != nil {
			<-rt.gate
		}
		if rt.status != 0 {
			w.WriteHeader(rt.status)
		}
		w.Write([]byte(rt.body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *tileServer) hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}

func (s *tileServer) query(path, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.URL.Path == path {
			return r.URL.Query().Get(key)
		}
	}
	return ""
}

type harness struct {
	loop   *async.Loop
	client *client.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loop := async.NewLoop()
	cl := client.New(loop, cache.New(cache.NewMemoryDatabase(), cache.DefaultOptions()), client.Config{MaxSimultaneousRequests: 4, RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cl.Close()
		cancel()
		<-stopped
		loop.Close()
		if tr, ok := cl.Transport().(*client.HTTPTransport); ok {
			tr.CloseIdleConnections()
		}
	})
	return &harness{loop: loop, client: cl}
}

// recorder collects hook calls. It is only touched on the loop and read
// after the load is done.
type recorder struct {
	leaves   []string
	bodies   map[string]string
	failures []LoadFailure
}

func (r *recorder) hooks() Hooks {
	r.bodies = make(map[string]string)
	return Hooks{
		OnLeafContentFetched: func(uri string, body []byte, parent Attachment) Attachment {
			r.leaves = append(r.leaves, uri)
			r.bodies[uri] = string(body)
			return parent
		},
		OnLoadFailure: func(f LoadFailure) { r.failures = append(r.failures, f) },
		Parent:        "scene-root",
	}
}

func (h *harness) load(t *testing.T, opts Options, url string, hooks Hooks) *Load {
	t.Helper()
	loader := NewLoader(h.client, opts)
	var ld *Load
	require.NoError(t, h.loop.Call(context.Background(), func() { ld = loader.Load(url, hooks) }))
	return ld
}

func wait(t *testing.T, ld *Load) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ld.Wait(ctx))
}

const leavesOnlyTileset = `{"root": {"children": [{"content": {"uri": "a.b3dm"}}, {"content": {"uri": "child.json"}, "children": []}]}}`

func TestLoad_LeavesOnlyScenario(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: leavesOnlyTileset},
		"/t/a.b3dm":       {body: "b3dm...."},
		"/t/child.json":   {body: `{"root":{"content":{"uri":"x.b3dm"}}}`},
	})

	var rec recorder
	ld := h.load(t, Options{LeavesOnly: true}, srv.URL+"/t/tileset.json", rec.hooks())
	wait(t, ld)

	assert.Equal(t, []string{srv.URL + "/t/a.b3dm"}, rec.leaves)
	assert.Equal(t, 1, srv.hits("/t/a.b3dm"))
	assert.Equal(t, 0, srv.hits("/t/child.json"))
	assert.Empty(t, rec.failures)

	stats := ld.Stats()
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 1, stats.Leaves)
	assert.Equal(t, 0, stats.External)
	assert.Equal(t, 1, stats.Formats["b3dm"])
	assert.Equal(t, []Attachment{"scene-root"}, ld.Attachments())
}

func TestLoad_ExternalTilesetRecursion(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json":  {body: leavesOnlyTileset},
		"/t/a.b3dm":        {body: "b3dm"},
		"/t/child.json":    {body: `{"root":{"children":[{"content":{"uri":"sub/b.pnts"}}]}}`},
		"/t/sub/b.pnts":    {body: "pnts"},
		"/t/unused.b3dm":   {body: "b3dm"},
		"/t/not-used.json": {body: "{}"},
	})

	var rec recorder
	ld := h.load(t, Options{LeavesOnly: false}, srv.URL+"/t/tileset.json", rec.hooks())
	wait(t, ld)

	assert.ElementsMatch(t, []string{srv.URL + "/t/a.b3dm", srv.URL + "/t/sub/b.pnts"}, rec.leaves)
	stats := ld.Stats()
	assert.Equal(t, 2, stats.Leaves)
	assert.Equal(t, 1, stats.External)
	assert.Equal(t, 1, stats.Formats["pnts"])
}

func TestLoad_DisableExternalTilesets(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: leavesOnlyTileset},
		"/t/a.b3dm":       {body: "b3dm"},
	})

	var rec recorder
	ld := h.load(t, Options{DisableExternalTilesets: true}, srv.URL+"/t/tileset.json", rec.hooks())
	wait(t, ld)

	assert.Len(t, rec.leaves, 1)
	assert.Equal(t, 0, srv.hits("/t/child.json"))
	assert.Equal(t, 1, ld.Stats().Skipped)
}

func TestLoad_ExternalCycleIsCut(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: `{"root":{"content":{"uri":"loop.json"}}}`},
		"/t/loop.json":    {body: `{"root":{"children":[{"content":{"uri":"tileset.json"}},{"content":{"uri":"loop.json"}}]}}`},
	})

	var rec recorder
	ld := h.load(t, Options{}, srv.URL+"/t/tileset.json", rec.hooks())
	wait(t, ld)

	assert.Equal(t, 1, srv.hits("/t/tileset.json"))
	assert.Equal(t, 1, srv.hits("/t/loop.json"))
	assert.Equal(t, 2, ld.Stats().Skipped)
	assert.Empty(t, rec.failures)
}

func TestLoad_MaxExternalDepth(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: `{"root":{"content":{"uri":"1.json"}}}`},
		"/t/1.json":       {body: `{"root":{"content":{"uri":"2.json"}}}`},
		"/t/2.json":       {body: `{"root":{"content":{"uri":"3.json"}}}`},
	})

	var rec recorder
	ld := h.load(t, Options{MaxExternalDepth: 2}, srv.URL+"/t/tileset.json", rec.hooks())
	wait(t, ld)

	assert.Equal(t, 0, srv.hits("/t/3.json"))
	require.Len(t, rec.failures, 1)
	assert.Equal(t, FailureExternalTileset, rec.failures[0].Type)
	assert.Equal(t, srv.URL+"/t/3.json", rec.failures[0].URL)
}

func TestLoad_FailuresAndMalformedNodes(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: `{"root":{"children":[
			42,
			{"content":{"uri":"missing.b3dm"}},
			{"content":{"url":"legacy.glb"}},
			{"content":"not-an-object","children":[{"content":{"uri":"deep.i3dm"}}]}
		]}}`},
		"/t/legacy.glb": {body: "glTF\x02\x00\x00\x00"},
		"/t/deep.i3dm":  {body: "i3dm"},
	})

	var rec recorder
	ld := h.load(t, DefaultOptions(), srv.URL+"/t/tileset.json", rec.hooks())
	wait(t, ld)

	assert.ElementsMatch(t, []string{srv.URL + "/t/legacy.glb", srv.URL + "/t/deep.i3dm"}, rec.leaves)
	require.Len(t, rec.failures, 1)
	f := rec.failures[0]
	assert.Equal(t, FailureContent, f.Type)
	assert.Equal(t, http.StatusNotFound, f.HTTPStatusCode)
	assert.Equal(t, srv.URL+"/t/missing.b3dm", f.URL)
	assert.Same(t, ld, f.Source)

	stats := ld.Stats()
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Formats["glb"])
	assert.Equal(t, 1, stats.Formats["i3dm"])
}

func TestLoad_TilesetFailure(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/bad.json":  {status: http.StatusInternalServerError},
		"/junk.json": {body: `not json`},
	})

	core, logs := observer.New(zapcore.WarnLevel)
	restore := logging.Replace(zap.New(core))
	defer restore()

	ids := make(map[string]bool)
	for _, path := range []string{"/bad.json", "/junk.json"} {
		var rec recorder
		ld := h.load(t, DefaultOptions(), srv.URL+path, rec.hooks())
		wait(t, ld)
		require.Len(t, rec.failures, 1, path)
		assert.Equal(t, FailureTilesetJSON, rec.failures[0].Type)
		require.NotEmpty(t, ld.ID())
		ids[ld.ID()] = true
	}
	assert.Len(t, ids, 2)

	entries := logs.FilterMessage("Tileset load failure").All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		id, _ := e.ContextMap()["op_id"].(string)
		assert.True(t, ids[id], "failure not tagged with its load")
	}
}

func TestLoad_MergesBaseQuery(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: `{"root":{"content":{"uri":"a.b3dm?v=2"}}}`},
		"/t/a.b3dm":       {body: "b3dm"},
	})

	var rec recorder
	ld := h.load(t, DefaultOptions(), srv.URL+"/t/tileset.json?access_token=abc", rec.hooks())
	wait(t, ld)

	require.Len(t, rec.leaves, 1)
	assert.Equal(t, "abc", srv.query("/t/a.b3dm", "access_token"))
	assert.Equal(t, "2", srv.query("/t/a.b3dm", "v"))
}

func TestLoad_Cancel(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: `{"root":{"content":{"uri":"slow.b3dm"}}}`},
		"/t/slow.b3dm":    {body: "b3dm", gate: gate},
	})
	t.Cleanup(func() { close(gate) })

	var rec recorder
	ld := h.load(t, DefaultOptions(), srv.URL+"/t/tileset.json", rec.hooks())

	require.Eventually(t, func() bool { return srv.hits("/t/slow.b3dm") == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, h.loop.Call(context.Background(), ld.Cancel))
	wait(t, ld)

	var leaves []string
	var canceled bool
	require.NoError(t, h.loop.Call(context.Background(), func() {
		leaves = rec.leaves
		canceled = ld.Canceled()
	}))
	assert.Empty(t, leaves)
	assert.True(t, canceled)
}

func TestLoadIonAsset(t *testing.T) {
	h := newHarness(t)
	srv := newTileServer(t, map[string]route{
		"/t/tileset.json": {body: `{"root":{"content":{"uri":"a.b3dm"}}}`},
		"/t/a.b3dm":       {body: "b3dm"},
	})
	srv.mu.Lock()
	srv.routes["/api/v1/assets/96188/endpoint"] = route{
		body: `{"type":"3DTILES","url":"` + srv.URL + `/t/tileset.json","accessToken":"asset-token"}`,
	}
	srv.routes["/api/v1/assets/2/endpoint"] = route{body: `{"type":"IMAGERY","url":"https://x"}`}
	srv.routes["/api/v1/assets/3/endpoint"] = route{
		body: `{"type":"3DTILES","url":"` + srv.URL + `/t/tileset.json?access_token=signed","accessToken":"asset-token"}`,
	}
	srv.mu.Unlock()

	loader := NewLoader(h.client, DefaultOptions())
	var rec recorder
	var ld *Load
	require.NoError(t, h.loop.Call(context.Background(), func() {
		ld = loader.LoadIonAsset(srv.URL+"/api", 96188, "user-token", rec.hooks())
	}))
	wait(t, ld)

	assert.Equal(t, "user-token", srv.query("/api/v1/assets/96188/endpoint", "access_token"))
	assert.Equal(t, "asset-token", srv.query("/t/a.b3dm", "access_token"))
	assert.Len(t, rec.leaves, 1)
	assert.Equal(t, srv.URL+"/t/tileset.json?access_token=asset-token", ld.URL())

	var rec2 recorder
	require.NoError(t, h.loop.Call(context.Background(), func() {
		ld = loader.LoadIonAsset(srv.URL+"/api/", 2, "", rec2.hooks())
	}))
	wait(t, ld)
	require.Len(t, rec2.failures, 1)
	assert.Equal(t, FailureIonAsset, rec2.failures[0].Type)

	var rec3 recorder
	require.NoError(t, h.loop.Call(context.Background(), func() {
		ld = loader.LoadIonAsset(srv.URL+"/api", 3, "", rec3.hooks())
	}))
	wait(t, ld)
	assert.Equal(t, srv.URL+"/t/tileset.json?access_token=signed", ld.URL())
	assert.Len(t, rec3.leaves, 1)
}
