/************************************************************************************
 *
 * shardwire, a sharded Discord gateway & rate-limited REST client
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Ashgrove Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package shardwire

import (
	"sync"
	"time"
)

// defaultCacheTTL is used for a cached identity with no override.
const defaultCacheTTL = 5 * time.Second

// defaultSweepInterval is how often expired entries are purged.
const defaultSweepInterval = 60 * time.Second

// CacheEntry is a single cached HTTP response body, keyed by cacheable
// identity (method + route + query).
type CacheEntry struct {
	Body       []byte
	Header     map[string][]string
	StatusCode int
	expiresAt  time.Time
}

// ResponseCache is a TTL store for cacheable GET responses. It is off by
// default (per-client opt-in) since caching Discord responses can easily
// serve stale state to a bot that expects read-your-writes behavior.
type ResponseCache struct {
	mu      sync.Mutex
	enabled bool
	ttl     time.Duration
	entries *ShardMap[string, *CacheEntry]

	overridesMu sync.RWMutex
	overrides   map[string]time.Duration

	stop chan struct{}
	once sync.Once
}

// NewResponseCache builds a ResponseCache. It starts disabled; call Enable
// to turn it on once the owning client decides caching is safe for its
// workload.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{
		ttl:       defaultCacheTTL,
		entries:   newStringShardMap[*CacheEntry](),
		overrides: make(map[string]time.Duration),
		stop:      make(chan struct{}),
	}
}

// Enable turns caching on and starts the periodic sweep goroutine.
func (c *ResponseCache) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	go c.sweepLoop()
}

// Enabled reports whether the cache is currently serving lookups.
func (c *ResponseCache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetTTLFor overrides the TTL used for a specific cacheable identity.
func (c *ResponseCache) SetTTLFor(identity string, ttl time.Duration) {
	c.overridesMu.Lock()
	c.overrides[identity] = ttl
	c.overridesMu.Unlock()
}

func (c *ResponseCache) ttlFor(identity string) time.Duration {
	c.overridesMu.RLock()
	defer c.overridesMu.RUnlock()
	if ttl, ok := c.overrides[identity]; ok {
		return ttl
	}
	return c.ttl
}

// Get returns the cached entry for identity if present and not expired.
func (c *ResponseCache) Get(identity string) (*CacheEntry, bool) {
	if !c.Enabled() {
		return nil, false
	}
	entry, ok := c.entries.Get(identity)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.entries.Delete(identity)
		return nil, false
	}
	return entry, true
}

// Put stores a cacheable response under identity, using any per-identity TTL
// override or falling back to the cache's default TTL.
func (c *ResponseCache) Put(identity string, entry *CacheEntry) {
	if !c.Enabled() {
		return
	}
	entry.expiresAt = time.Now().Add(c.ttlFor(identity))
	c.entries.Set(identity, entry)
}

// Shutdown stops the sweep goroutine.
func (c *ResponseCache) Shutdown() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ResponseCache) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *ResponseCache) sweep() {
	now := time.Now()
	var expired []string
	c.entries.Range(func(k string, v *CacheEntry) bool {
		if now.After(v.expiresAt) {
			expired = append(expired, k)
		}
		return true
	})
	for _, k := range expired {
		c.entries.Delete(k)
	}
}

// isCacheableStatus reports whether a response status code is eligible for
// caching: any 2xx.
func isCacheableStatus(status int) bool {
	return status >= 200 && status < 300
}
