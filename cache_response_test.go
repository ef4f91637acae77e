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
	"testing"
	"time"
)

func TestResponseCache_DisabledByDefault(t *testing.T) {
	c := NewResponseCache()
	c.Put("GET /users/@me", &CacheEntry{Body: []byte("{}"), StatusCode: 200})
	if _, ok := c.Get("GET /users/@me"); ok {
		t.Fatal("expected cache to refuse reads and writes until Enable is called")
	}
}

func TestResponseCache_GetPutRoundTrip(t *testing.T) {
	c := NewResponseCache()
	c.Enable()
	defer c.Shutdown()

	c.Put("GET /users/@me", &CacheEntry{Body: []byte(`{"id":"1"}`), StatusCode: 200})

	entry, ok := c.Get("GET /users/@me")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(entry.Body) != `{"id":"1"}` {
		t.Fatalf("unexpected cached body: %s", entry.Body)
	}
}

func TestResponseCache_ExpiresAfterTTL(t *testing.T) {
	c := NewResponseCache()
	c.ttl = 20 * time.Millisecond
	c.Enable()
	defer c.Shutdown()

	c.Put("GET /channels/1", &CacheEntry{Body: []byte("{}"), StatusCode: 200})
	time.Sleep(50 * time.Millisecond)

	if _, ok := c.Get("GET /channels/1"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestResponseCache_PerIdentityTTLOverride(t *testing.T) {
	c := NewResponseCache()
	c.ttl = time.Hour
	c.SetTTLFor("GET /channels/1", 10*time.Millisecond)
	c.Enable()
	defer c.Shutdown()

	c.Put("GET /channels/1", &CacheEntry{Body: []byte("{}"), StatusCode: 200})
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("GET /channels/1"); ok {
		t.Fatal("expected per-identity TTL override to expire the entry quickly")
	}
}

func TestIsCacheableStatus(t *testing.T) {
	cases := map[int]bool{200: true, 201: true, 204: true, 301: false, 404: false, 500: false}
	for status, want := range cases {
		if got := isCacheableStatus(status); got != want {
			t.Fatalf("isCacheableStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
