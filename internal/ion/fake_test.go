package ion

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/tilestream/tilestream/internal/events"
	"github.com/tilestream/tilestream/pkg/async"
)

// fakeIon serves the subset of the ion REST API the session uses.
type fakeIon struct {
	*httptest.Server

	mu           sync.Mutex
	hits         map[string]int
	accessToken  string
	assetsGate   chan struct{}
	rejectAssets bool
	assetsStatus int
}

func newFakeIon(t *testing.T) *fakeIon {
	t.Helper()
	f := &fakeIon{hits: make(map[string]int), accessToken: "good"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /config.json", func(w http.ResponseWriter, r *http.Request) {
		u, _ := url.Parse(f.URL)
		fmt.Fprintf(w, `{"apiHostname":%q}`, u.Host)
	})
	mux.HandleFunc("GET /oauth", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
			http.Error(w, "bad authorize request", http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, q.Get("redirect_uri")+"?code=abc&state="+url.QueryEscape(q.Get("state")), http.StatusFound)
	})
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "abc" || r.Form.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, f.accessToken)
	})
	mux.HandleFunc("GET /v1/me", f.authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":7,"username":"ada","email":"ada@example.com","emailVerified":true,"scopes":["assets:list"],"storage":{"used":1,"available":9,"total":10}}`)
	}))
	mux.HandleFunc("GET /v1/assets", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		gate, reject, status := f.assetsGate, f.rejectAssets, f.assetsStatus
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"code":"ResourceNotFound","message":"no assets"}`)
			return
		}
		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":"InvalidCredentials","message":"token revoked"}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":1,"name":"Terrain","type":"TERRAIN","status":"COMPLETE","percentComplete":100}]}`)
	}))
	mux.HandleFunc("GET /v1/tokens", f.authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"id":"tok-1","name":"Default","token":"t1","isDefault":true,"scopes":["assets:read"]}]}`)
	}))
	mux.HandleFunc("GET /v1/tokens/{id}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "tok-1" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code":"ResourceNotFound","message":"no such token"}`)
			return
		}
		fmt.Fprint(w, `{"id":"tok-1","name":"Default","token":"t1","isDefault":true}`)
	}))
	mux.HandleFunc("GET /v1/defaults", f.authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"defaultAssets":{"imagery":2,"terrain":1,"buildings":96188},"quickAddAssets":[]}`)
	}))

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIon) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		want := "Bearer " + f.accessToken
		f.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":"InvalidCredentials","message":"bad token"}`)
			return
		}
		next(w, r)
	}
}

func (f *fakeIon) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeIon) server() Server {
	return Server{ServerURL: f.URL, APIURL: f.URL, OAuth2ApplicationID: 1}
}

// drain runs the loop until cond holds.
func drain(t *testing.T, loop *async.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		loop.RunPending()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

type harness struct {
	loop   *async.Loop
	store  *TokenStore
	events *events.Broadcaster
	seen   []string
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		loop:   async.NewLoop(),
		store:  NewTokenStore(afero.NewMemMapFs(), "/tokens"),
		events: events.NewBroadcaster(),
	}
	remove := h.events.Listen(func(e events.Event) { h.seen = append(h.seen, e.Type) })
	t.Cleanup(func() {
		remove()
		h.loop.Close()
	})
	return h
}

func (h *harness) session(t *testing.T, server Server) *Session {
	s := NewSession(h.loop, server, SessionOptions{Store: h.store, Events: h.events})
	t.Cleanup(s.Close)
	return s
}

// resumed returns a session connected through a saved token.
func (h *harness) resumed(t *testing.T, f *fakeIon) *Session {
	t.Helper()
	server := f.server()
	if err := h.store.Save(&TokenFile{AccessToken: "good", Server: server.Key(), APIURL: f.URL}); err != nil {
		t.Fatal(err)
	}
	s := h.session(t, server)
	s.Resume()
	drain(t, h.loop, func() bool { return !s.IsResuming() })
	if !s.IsConnected() {
		t.Fatal("resume did not connect")
	}
	return s
}
