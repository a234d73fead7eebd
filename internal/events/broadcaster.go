// Package events broadcasts session state changes: connection, profile,
// assets, tokens and defaults updates.
package events

import (
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	ConnectionUpdated = "connection"
	ProfileUpdated    = "profile"
	AssetsUpdated     = "assets"
	TokensUpdated     = "tokens"
	DefaultsUpdated   = "defaults"
)

// AllSessionEvents lists every session event type in broadcast order.
var AllSessionEvents = []string{ConnectionUpdated, ProfileUpdated, AssetsUpdated, TokensUpdated, DefaultsUpdated}

// Event represents a session state change.
type Event struct {
	Type      string `json:"type"`
	Server    string `json:"server"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster delivers events to channel subscribers and to synchronous
// listeners.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	listeners   map[int]func(Event)
	nextID      int
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		listeners:   make(map[int]func(Event)),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Listen registers fn to be called synchronously from Publish, in the
// publisher's goroutine. It returns a function that removes fn.
func (b *Broadcaster) Listen(fn func(Event)) (remove func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish sends an event to all subscribers and listeners. Channel delivery
// is non-blocking: events are dropped for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	b.mu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, b.listeners[id])
	}
	b.mu.RUnlock()

	// Listeners run unlocked so they may Listen or Publish themselves.
	for _, fn := range fns {
		fn(event)
	}
}

// Count returns the current number of channel subscribers and listeners.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers) + len(b.listeners)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(e)
}

