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
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Backoff computes how long to wait before retrying attempt n (1-indexed:
// n=1 is the wait before the first retry, after the original attempt
// failed). Implementations may inspect the response headers of the attempt
// that failed, e.g. to honor Retry-After.
type Backoff interface {
	Wait(attempt int, h http.Header) time.Duration
}

// constantBackoff waits the same duration before every retry.
type constantBackoff struct {
	d time.Duration
}

func (b constantBackoff) Wait(attempt int, h http.Header) time.Duration { return b.d }

// NewConstantBackoff returns a Backoff that always waits d.
func NewConstantBackoff(d time.Duration) Backoff { return constantBackoff{d: d} }

// linearBackoff waits attempt*step, capped at max.
type linearBackoff struct {
	step time.Duration
	max  time.Duration
}

func (b linearBackoff) Wait(attempt int, h http.Header) time.Duration {
	d := time.Duration(attempt) * b.step
	if d > b.max {
		return b.max
	}
	return d
}

// NewLinearBackoff returns a Backoff that grows by step per attempt, capped at max.
func NewLinearBackoff(step, max time.Duration) Backoff { return linearBackoff{step: step, max: max} }

// exponentialBackoff doubles the wait each attempt, capped at max, with full
// jitter to avoid synchronized retries across many clients.
type exponentialBackoff struct {
	base time.Duration
	max  time.Duration
}

func (b exponentialBackoff) Wait(attempt int, h http.Header) time.Duration {
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(b.base) * mult)
	if d > b.max || d <= 0 {
		d = b.max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// NewExponentialBackoff returns a jittered exponential Backoff: base, 2*base,
// 4*base, ... capped at max, each value then randomized in [0, value].
func NewExponentialBackoff(base, max time.Duration) Backoff {
	return exponentialBackoff{base: base, max: max}
}

// retryAfterHeaderBackoff honors a Retry-After response header (seconds or
// HTTP-date, per RFC 9110) when present, falling back to another Backoff
// otherwise.
type retryAfterHeaderBackoff struct {
	fallback Backoff
}

func (b retryAfterHeaderBackoff) Wait(attempt int, h http.Header) time.Duration {
	if h != nil {
		if v := h.Get("Retry-After"); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second))
			}
			if t, err := http.ParseTime(v); err == nil {
				if d := time.Until(t); d > 0 {
					return d
				}
			}
		}
	}
	return b.fallback.Wait(attempt, h)
}

// NewRetryAfterHeaderBackoff returns a Backoff that prefers the Retry-After
// header and falls back to fallback when the header is absent or unparsable.
func NewRetryAfterHeaderBackoff(fallback Backoff) Backoff {
	return retryAfterHeaderBackoff{fallback: fallback}
}

// RetryPolicy decides whether and how long to wait between retries of a
// single HTTP request.
type RetryPolicy struct {
	MaxRetries        int
	RetryableStatuses map[int]bool
	Backoff           Backoff

	// RetryOnRateLimitDenied controls what send() does when the Rate
	// Limiter's should_request pre-emptively denies a call (step 3 of the
	// HTTP Client Core pipeline), before anything reaches the wire. False
	// (the default) fails the call immediately with RateLimitedError, per
	// "no retry unless policy includes that". True instead waits out the
	// bucket/global reset and retries, up to MaxRetries.
	RetryOnRateLimitDenied bool
}

// DefaultRetryPolicy mirrors Discord's commonly-retried statuses: 429 (rate
// limited), and the transient 5xx family.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 5,
		RetryableStatuses: map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
		Backoff: NewRetryAfterHeaderBackoff(NewExponentialBackoff(time.Second, 30*time.Second)),
	}
}

// ShouldRetry reports whether attempt (1-indexed, the attempt that just
// completed) may be retried given status.
func (p *RetryPolicy) ShouldRetry(status int, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return p.RetryableStatuses[status]
}

// WaitBeforeRetry returns how long to sleep before issuing attempt+1.
func (p *RetryPolicy) WaitBeforeRetry(attempt int, h http.Header) time.Duration {
	return p.Backoff.Wait(attempt, h)
}
