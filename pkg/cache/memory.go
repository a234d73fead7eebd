package cache

import (
	"context"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryDatabase keeps entries in process memory, ordered by access.
type MemoryDatabase struct {
	lru *simplelru.LRU[string, *Entry]
}

// NewMemoryDatabase creates an empty in-memory database. It never evicts
// on its own; the Cache bounds it through DeleteOldest.
func NewMemoryDatabase() *MemoryDatabase {
	// The size is effectively unlimited, so NewLRU cannot fail.
	l, _ := simplelru.NewLRU[string, *Entry](math.MaxInt, nil)
	return &MemoryDatabase{lru: l}
}

func (m *MemoryDatabase) Get(_ context.Context, key string) (*Entry, error) {
	e, ok := m.lru.Peek(key)
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (m *MemoryDatabase) Put(_ context.Context, e *Entry) error {
	stored := e.Clone()
	if old, ok := m.lru.Peek(e.Signature); ok && !old.InsertedAt.IsZero() {
		stored.InsertedAt = old.InsertedAt
	}
	m.lru.Add(e.Signature, stored)
	return nil
}

func (m *MemoryDatabase) Touch(_ context.Context, key string, at time.Time) error {
	if e, ok := m.lru.Get(key); ok {
		e.LastAccessedAt = at
	}
	return nil
}

func (m *MemoryDatabase) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *MemoryDatabase) Count(context.Context) (int, error) {
	return m.lru.Len(), nil
}

func (m *MemoryDatabase) DeleteOldest(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for m.lru.Len() > keep {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
		removed++
	}
	return removed, nil
}

func (m *MemoryDatabase) Clear(context.Context) (int, error) {
	n := m.lru.Len()
	m.lru.Purge()
	return n, nil
}

func (m *MemoryDatabase) Close() error { return nil }

func (m *MemoryDatabase) Driver() string { return DriverMemory }
