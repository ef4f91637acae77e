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
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type mockRoundTripper struct {
	fn func(*http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func newMockResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestRequester(fn func(*http.Request) (*http.Response, error)) *requester {
	client := &http.Client{Transport: &mockRoundTripper{fn: fn}}
	tok, _ := NewToken(strings.Repeat("a", 60))
	return newRequester(client, tok, NewDefaultLogger(nil, LogLevelDebugLevel))
}

func TestRequester_Send_Success(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	resp, body, err := r.send(GetCurrentUser(), requestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestRequester_Send_RateLimitRetry(t *testing.T) {
	var calls int32
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return newMockResponse(429, `{"message":"rate limited"}`, map[string]string{
				"Retry-After":        "0.05",
				"X-RateLimit-Bucket": "bucket-a",
			}), nil
		}
		return newMockResponse(200, `{"ok":true}`, map[string]string{"X-RateLimit-Bucket": "bucket-a"}), nil
	})

	resp, _, err := r.send(GetChannel(MustParseSnowflake("123456789012345678")), requestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestRequester_Send_RetryableStatusCodes(t *testing.T) {
	var calls int32
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return newMockResponse(503, `{"message":"unavailable"}`, nil), nil
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	resp, _, err := r.send(GetGuild(MustParseSnowflake("123456789012345678")), requestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestRequester_Send_MaxRetriesExceeded(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(500, `{"message":"boom"}`, nil), nil
	})
	r.retry.MaxRetries = 2

	resp, _, err := r.send(GetGuild(MustParseSnowflake("123456789012345678")), requestOptions{})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if resp.StatusCode != 500 {
		t.Fatalf("expected final attempt's 500 to be returned, got %d", resp.StatusCode)
	}
}

func TestRequester_Send_CachesCacheableGET(t *testing.T) {
	var calls int32
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})
	r.cache.Enable()
	defer r.cache.Shutdown()

	ep := GetChannel(MustParseSnowflake("123456789012345678"))
	if _, _, err := r.send(ep, requestOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := r.send(ep, requestOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected cache to avoid second transport call, got %d calls", got)
	}
}

func TestRequester_ConcurrencyStress(t *testing.T) {
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})
	// A burst this size will trip the default 50/s global budget; opt into
	// waiting out denials instead of the default fail-fast RateLimitedError
	// so the stress run exercises send() itself rather than the pacing.
	r.retry.RetryOnRateLimitDenied = true

	const goroutines = 50
	const perGoroutine = 10
	done := make(chan error, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			for j := 0; j < perGoroutine; j++ {
				_, _, err := r.send(GetGuild(MustParseSnowflake("123456789012345678")), requestOptions{})
				done <- err
			}
		}(i)
	}

	for i := 0; i < goroutines*perGoroutine; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected error under concurrency: %v", err)
		}
	}
}

func TestRateLimiter_GlobalPacing(t *testing.T) {
	rl := NewRateLimiter(20)
	var denied int
	for i := 0; i < 40; i++ {
		if allowed, _ := rl.shouldRequest("GET /guilds/{guild.id}", true); !allowed {
			denied++
		}
	}
	if denied == 0 {
		t.Fatalf("expected global budget to deny some of a 40-request burst against a 20/s limiter")
	}
}

func TestRateLimiter_GlobalPacing_ExemptRouteIgnoresBudget(t *testing.T) {
	rl := NewRateLimiter(1)
	for i := 0; i < 20; i++ {
		if allowed, _ := rl.shouldRequest("POST /interactions/{id}/{token}/callback", false); !allowed {
			t.Fatalf("expected a route exempt from the global limit to never be denied by it")
		}
	}
}

func TestRateLimiter_BucketExhaustion(t *testing.T) {
	rl := NewRateLimiter(1000)
	h := make(http.Header)
	h.Set("X-RateLimit-Bucket", "bucket-x")
	h.Set("X-RateLimit-Limit", "1")
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset-After", "0.2")
	rl.observe("GET /channels/{channel.id}", h, 200)

	allowed, wait := rl.shouldRequest("GET /channels/{channel.id}", true)
	if allowed {
		t.Fatalf("expected bucket to deny immediately after remaining=0")
	}
	if wait <= 0 {
		t.Fatalf("expected a positive wait, got %v", wait)
	}

	time.Sleep(250 * time.Millisecond)
	allowed, _ = rl.shouldRequest("GET /channels/{channel.id}", true)
	if !allowed {
		t.Fatalf("expected bucket to allow again after reset")
	}
}

func TestRateLimiter_GlobalScope429Exhaustion(t *testing.T) {
	rl := NewRateLimiter(1000)
	h := make(http.Header)
	h.Set("X-RateLimit-Scope", "global")
	h.Set("Retry-After", "0.2")
	rl.observe("POST /channels/{channel.id}/messages", h, http.StatusTooManyRequests)

	allowed, wait := rl.shouldRequest("GET /guilds/{guild.id}", true)
	if allowed {
		t.Fatalf("expected a global-scope 429 to exhaust the budget for every route, not just the one that tripped it")
	}
	if wait <= 0 {
		t.Fatalf("expected a positive wait, got %v", wait)
	}

	time.Sleep(250 * time.Millisecond)
	if allowed, _ = rl.shouldRequest("GET /guilds/{guild.id}", true); !allowed {
		t.Fatalf("expected the global budget to recover once Retry-After elapses")
	}
}

func TestRequester_Send_RateLimitDeniedFailsFastByDefault(t *testing.T) {
	var calls int32
	r := newTestRequester(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	h := make(http.Header)
	h.Set("X-RateLimit-Scope", "global")
	h.Set("Retry-After", "30")
	r.limiter.observe("unused", h, http.StatusTooManyRequests)

	_, _, err := r.send(GetGuild(MustParseSnowflake("123456789012345678")), requestOptions{})

	var rlErr *RateLimitedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected a RateLimitedError, got %v", err)
	}
	if rlErr.Endpoint != "GET /guilds/{guild.id}" {
		t.Fatalf("unexpected endpoint on RateLimitedError: %s", rlErr.Endpoint)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected send() to fail before reaching the transport, got %d calls", calls)
	}
}
