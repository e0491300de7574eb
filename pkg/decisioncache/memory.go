// Package decisioncache provides the allow-decision caches used by the
// authorizer: an in-process LRU for a single replica and a Redis cache
// shared across replicas.
//
// Keys are opaque digests built by the authorizer. Neither cache ever sees a
// raw token.
package decisioncache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/StricklySoft/realmgate/pkg/auth"
)

// DefaultMaxEntries bounds the in-process cache.
const DefaultMaxEntries = 10_000

type entry struct {
	decision  auth.Decision
	expiresAt time.Time
}

// Memory is an in-process LRU of allow decisions. The LRU enforces a
// ceiling TTL; each entry also carries its own expiry, which is never later
// than the ceiling.
type Memory struct {
	lru *expirable.LRU[string, entry]
	ttl time.Duration
	now func() time.Time
}

var _ auth.DecisionCache = (*Memory)(nil)

// NewMemory returns a cache holding at most maxEntries decisions for at
// most maxTTL each. A non-positive maxEntries uses DefaultMaxEntries.
func NewMemory(maxEntries int, maxTTL time.Duration) *Memory {
	return newMemory(maxEntries, maxTTL, time.Now)
}

func newMemory(maxEntries int, maxTTL time.Duration, now func() time.Time) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		lru: expirable.NewLRU[string, entry](maxEntries, nil, maxTTL),
		ttl: maxTTL,
		now: now,
	}
}

// Get returns the cached decision for key. Expired entries are removed.
func (m *Memory) Get(_ context.Context, key string) (auth.Decision, bool) {
	e, ok := m.lru.Get(key)
	if !ok {
		return auth.Decision{}, false
	}
	if !m.now().Before(e.expiresAt) {
		m.lru.Remove(key)
		return auth.Decision{}, false
	}
	return e.decision, true
}

// Put stores d for ttl, capped at the cache's ceiling. Non-allow decisions
// and non-positive TTLs are ignored.
func (m *Memory) Put(_ context.Context, key string, d auth.Decision, ttl time.Duration) {
	if !d.Allowed() || ttl <= 0 {
		return
	}
	if m.ttl > 0 && ttl > m.ttl {
		ttl = m.ttl
	}
	m.lru.Add(key, entry{decision: d, expiresAt: m.now().Add(ttl)})
}

// Len returns the number of entries, including any not yet evicted.
func (m *Memory) Len() int { return m.lru.Len() }

// Purge drops every entry.
func (m *Memory) Purge() { m.lru.Purge() }
