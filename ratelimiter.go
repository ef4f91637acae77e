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
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// bucketState is the mutable state of a single Discord rate limit bucket, as
// reported by the X-RateLimit-* response headers.
type bucketState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	pending   int
}

// RateLimiter tracks Discord's per-route rate limit buckets and a global
// request budget. Routes are mapped to buckets lazily: a route's bucket key
// is unknown until its first response names it via X-RateLimit-Bucket, so
// until then each distinct endpoint identity gets its own provisional bucket.
type RateLimiter struct {
	// endpointToBucket maps an endpoint identity to the bucket key Discord
	// assigned it, once known.
	endpointToBucket *ShardMap[string, string]
	// buckets maps a bucket key to its shared state.
	buckets *ShardMap[string, *bucketState]
	// global paces the overall request rate the same way Discord's global
	// 50 req/s budget does; it is consulted in addition to per-route buckets.
	global *rate.Limiter
	// globalBlockedUntil holds the unix-nano deadline until which the
	// global budget is considered exhausted, set whenever a response
	// reports a 429 with X-RateLimit-Scope: global. Zero means not blocked.
	globalBlockedUntil atomic.Int64
}

// NewRateLimiter builds a RateLimiter with the given global requests/second
// budget. Discord's documented default is 50.
func NewRateLimiter(globalPerSecond float64) *RateLimiter {
	return &RateLimiter{
		endpointToBucket: newStringShardMap[string](),
		buckets:          newStringShardMap[*bucketState](),
		global:           rate.NewLimiter(rate.Limit(globalPerSecond), int(globalPerSecond)),
	}
}

// shouldRequest reports whether a call to endpoint may proceed right now,
// and if not, how long the caller should wait before trying again. An
// admitted call on a bucket with requests left decrements that bucket's
// remaining count optimistically. It never blocks; callers own the wait. countsAgainstGlobal should be the calling
// Endpoint's CountsAgainstGlobalLimit; routes exempted from the global
// budget (e.g. interaction callbacks) skip both the token-bucket pacing and
// the global-scope 429 exhaustion check below.
func (rl *RateLimiter) shouldRequest(endpoint string, countsAgainstGlobal bool) (allowed bool, retryAfter time.Duration) {
	if countsAgainstGlobal {
		if until := rl.globalBlockedUntil.Load(); until > 0 {
			if remaining := time.Until(time.Unix(0, until)); remaining > 0 {
				return false, remaining
			}
		}

		if r := rl.global.Reserve(); !r.OK() {
			return false, time.Second
		} else if d := r.Delay(); d > 0 {
			r.Cancel()
			return false, d
		}
	}

	key, ok := rl.endpointToBucket.Get(endpoint)
	if !ok {
		return true, 0
	}
	bs, ok := rl.buckets.Get(key)
	if !ok {
		return true, 0
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.remaining > 0 {
		bs.remaining--
		return true, 0
	}
	if time.Now().After(bs.resetAt) {
		return true, 0
	}
	return false, time.Until(bs.resetAt)
}

// observe folds the X-RateLimit-* headers of a response into the bucket
// state for endpoint, discovering the endpoint's bucket key on first sight.
// A 429 scoped globally (X-RateLimit-Scope: global) exhausts the shared
// global budget until the response's Retry-After elapses, regardless of
// which route tripped it.
func (rl *RateLimiter) observe(endpoint string, h http.Header, status int) {
	if status == http.StatusTooManyRequests && h.Get("X-RateLimit-Scope") == "global" {
		if secs, ok := parseFloatHeader(h, "Retry-After"); ok {
			rl.globalBlockedUntil.Store(time.Now().Add(time.Duration(secs * float64(time.Second))).UnixNano())
		}
	}

	bucketKey := h.Get("X-RateLimit-Bucket")
	if bucketKey == "" {
		return
	}
	rl.endpointToBucket.Set(endpoint, bucketKey)

	bs, _ := rl.buckets.GetOrSet(bucketKey, &bucketState{})

	limit, _ := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, hasRemaining := parseIntHeader(h, "X-RateLimit-Remaining")
	resetAfter, hasResetAfter := parseFloatHeader(h, "X-RateLimit-Reset-After")

	bs.mu.Lock()
	if limit > 0 {
		bs.limit = limit
	}
	if hasRemaining {
		bs.remaining = remaining
	}
	if hasResetAfter {
		bs.resetAt = time.Now().Add(time.Duration(resetAfter * float64(time.Second)))
	}
	bs.mu.Unlock()
}

func parseIntHeader(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFloatHeader(h http.Header, name string) (float64, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
