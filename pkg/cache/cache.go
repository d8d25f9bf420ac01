// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache memoizes agent responses keyed on agent, role and prompt.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/jllopis/relay/pkg/telemetry"
)

// Entry is one cached response.
type Entry struct {
	Key     string
	Value   string
	Created time.Time
	Expires time.Time
	Hits    int64
}

// Stats reports cache counters. Counters never influence eviction.
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	HitRate   float64 `json:"hit_rate"`
}

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	MaxSize int
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Cache is a TTL-bounded FIFO memo. Entries are read with Peek so lookups
// never change eviction order: the oldest insertion is always evicted first.
type Cache struct {
	mu        sync.Mutex
	entries   *simplelru.LRU[string, *Entry]
	ttl       time.Duration
	maxSize   int
	now       func() time.Time
	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// New creates a cache holding at most opts.MaxSize entries.
func New(opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{ttl: opts.TTL, maxSize: opts.MaxSize, now: opts.Now}
	// NewLRU only fails for a non-positive size.
	c.entries, _ = simplelru.NewLRU[string, *Entry](opts.MaxSize, nil)
	return c
}

// Key derives the cache key for an (agent, role, prompt) triple.
func Key(agent, role, prompt string) string {
	h := sha256.New()
	h.Write([]byte(agent))
	h.Write([]byte{0})
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key. Expired entries are removed lazily.
func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.get(key)
	telemetry.Metrics().RecordCacheLookup(context.Background(), ok)
	return v, ok
}

func (c *Cache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok {
		c.misses++
		return "", false
	}
	if !e.Expires.IsZero() && !c.now().Before(e.Expires) {
		c.entries.Remove(key)
		c.expired++
		c.misses++
		return "", false
	}
	e.Hits++
	c.hits++
	return e.Value, true
}

// Set stores value under key, evicting the oldest insertion when full.
// Setting an existing key counts as a fresh insertion.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := &Entry{Key: key, Value: value, Created: now}
	if c.ttl > 0 {
		e.Expires = now.Add(c.ttl)
	}
	c.entries.Remove(key)
	if c.entries.Add(key, e) {
		c.evictions++
	}
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Purge drops every entry and keeps the counters.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of stored entries, including not-yet-collected expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns a counters snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.entries.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
