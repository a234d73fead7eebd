package ion

import (
	"sort"
	"sync"

	"github.com/tilestream/tilestream/pkg/async"
)

// Registry holds one Session per server, keyed by Server.Key.
type Registry struct {
	mu       sync.Mutex
	loop     *async.Loop
	opts     SessionOptions
	sessions map[string]*Session
	current  string
}

// NewRegistry creates an empty registry. Every session shares opts.
func NewRegistry(loop *async.Loop, opts SessionOptions) *Registry {
	return &Registry{
		loop:     loop,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for server, creating it if needed. The
// first session created becomes current.
func (r *Registry) Session(server Server) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionLocked(server)
}

func (r *Registry) sessionLocked(server Server) *Session {
	key := server.Key()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	s := NewSession(r.loop, server, r.opts)
	r.sessions[key] = s
	if r.current == "" {
		r.current = key
	}
	return s
}

// Current returns the current session, or nil.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[r.current]
}

// SetCurrent makes the session for server current and returns it.
func (r *Registry) SetCurrent(server Server) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessionLocked(server)
	r.current = server.Key()
	return s
}

// Sessions returns every session ordered by key.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Session, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.sessions[k])
	}
	return out
}

// Remove closes and forgets the session for server.
func (r *Registry) Remove(server Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := server.Key()
	if s, ok := r.sessions[key]; ok {
		s.Close()
		delete(r.sessions, key)
	}
	if r.current == key {
		r.current = ""
	}
}

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.Close()
	}
}
