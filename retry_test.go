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
	"testing"
	"time"
)

func TestExponentialBackoff_StaysWithinCap(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 8*time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Wait(attempt, nil)
		if d < 0 || d > 8*time.Second {
			t.Fatalf("attempt %d produced out-of-range backoff %v", attempt, d)
		}
	}
}

func TestRetryAfterHeaderBackoff_PrefersHeader(t *testing.T) {
	b := NewRetryAfterHeaderBackoff(NewConstantBackoff(30 * time.Second))
	h := make(http.Header)
	h.Set("Retry-After", "2")

	d := b.Wait(1, h)
	if d != 2*time.Second {
		t.Fatalf("expected Retry-After to be honored, got %v", d)
	}
}

func TestRetryAfterHeaderBackoff_FallsBackWithoutHeader(t *testing.T) {
	b := NewRetryAfterHeaderBackoff(NewConstantBackoff(5 * time.Second))
	d := b.Wait(1, nil)
	if d != 5*time.Second {
		t.Fatalf("expected fallback backoff, got %v", d)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	p.MaxRetries = 3

	if !p.ShouldRetry(http.StatusTooManyRequests, 1) {
		t.Fatal("expected 429 to be retryable on attempt 1")
	}
	if p.ShouldRetry(http.StatusTooManyRequests, 3) {
		t.Fatal("expected retries to stop once attempt reaches MaxRetries")
	}
	if p.ShouldRetry(http.StatusNotFound, 1) {
		t.Fatal("expected 404 to never be retryable under the default policy")
	}
}

func TestLinearBackoff_Caps(t *testing.T) {
	b := NewLinearBackoff(time.Second, 3*time.Second)
	if d := b.Wait(10, nil); d != 3*time.Second {
		t.Fatalf("expected linear backoff to cap at 3s, got %v", d)
	}
}
