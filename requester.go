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
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

/***********************
 *   Constants         *
 ***********************/

const (
	apiVersion   = "v10"
	baseApiUrl   = "https://discord.com/api/" + apiVersion
	headerReason = "X-Audit-Log-Reason"
)

/***********************
 *   Requester         *
 ***********************/

// requester is the HTTP Client Core: every outbound REST call passes through
// send(), which threads the call through the Rate Limiter, Response Cache,
// and Retry Engine in turn.
type requester struct {
	client    *http.Client
	token     Token
	userAgent string
	logger    Logger

	limiter *RateLimiter
	cache   *ResponseCache
	retry   *RetryPolicy
}

// newRequester creates a requester bound to token, with httpClient overridden
// for tests (nil builds the production-tuned client).
func newRequester(httpClient *http.Client, token Token, logger Logger) *requester {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				DisableKeepAlives: false,
				ForceAttemptHTTP2: true,
			},
		}
	}

	return &requester{
		client:    httpClient,
		token:     token,
		userAgent: fmt.Sprintf("DiscordBot (%s, %s)", libURL, LIB_VERSION),
		logger:    logger,
		limiter:   NewRateLimiter(50),
		cache:     NewResponseCache(),
		retry:     DefaultRetryPolicy(),
	}
}

// Shutdown releases background resources: idle HTTP connections and the
// cache sweep goroutine.
func (r *requester) Shutdown() {
	if r.client != nil {
		if tr, ok := r.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	r.cache.Shutdown()
}

// requestOptions carries the per-call knobs send() needs beyond the
// Endpoint itself.
type requestOptions struct {
	Body           []byte
	Query          url.Values
	AuditLogReason string
}

// send executes ep following the HTTP Client Core pipeline:
//  1. compute the cacheable identity (endpoint identity + query)
//  2. look up the response cache
//  3. ask the rate limiter whether the call may proceed
//  4. build the request
//  5. execute it with a timeout, retrying once on a bare transport error
//  6. observe() the response into the rate limiter
//  7. consult the retry engine; loop back to step 3 if it says to retry
//  8. on a cacheable 2xx, populate the cache
//  9. return the response
func (r *requester) send(ep Endpoint, opts requestOptions) (*http.Response, []byte, error) {
	identity := cacheableIdentity(ep, opts.Query)

	if entry, ok := r.cache.Get(identity); ok {
		return &http.Response{StatusCode: entry.StatusCode, Header: entry.Header}, entry.Body, nil
	}

	attempt := 0
	transportRetried := false
	for {
		attempt++

		if allowed, wait := r.limiter.shouldRequest(ep.Identity, ep.CountsAgainstGlobalLimit); !allowed {
			if !r.retry.RetryOnRateLimitDenied || attempt > r.retry.MaxRetries {
				return nil, nil, &RateLimitedError{Endpoint: ep.Identity}
			}
			if wait <= 0 {
				wait = 250 * time.Millisecond
			}
			r.logger.Debug(fmt.Sprintf("rate limiter holding %s for %v", ep.Identity, wait))
			time.Sleep(wait)
			continue
		}

		req, err := r.buildRequest(ep, opts)
		if err != nil {
			return nil, nil, err
		}

		resp, body, err := r.execute(req)
		if err != nil {
			if !transportRetried && attempt <= r.retry.MaxRetries {
				transportRetried = true
				r.logger.Warn(fmt.Sprintf("transport error for %s %s, retrying once: %v", ep.Method, ep.Path, err))
				continue
			}
			return nil, nil, err
		}

		r.limiter.observe(ep.Identity, resp.Header, resp.StatusCode)

		if r.retry.ShouldRetry(resp.StatusCode, attempt) {
			wait := r.retry.WaitBeforeRetry(attempt, resp.Header)
			r.logger.Debug(fmt.Sprintf("status %d for %s %s, retrying after %v", resp.StatusCode, ep.Method, ep.Path, wait))
			time.Sleep(wait)
			continue
		}

		if ep.Cacheable && isCacheableStatus(resp.StatusCode) {
			r.cache.Put(identity, &CacheEntry{
				Body:       body,
				Header:     resp.Header,
				StatusCode: resp.StatusCode,
			})
		}

		return resp, body, nil
	}
}

// buildRequest constructs the *http.Request for ep, applying the headers
// the production client always sends.
func (r *requester) buildRequest(ep Endpoint, opts requestOptions) (*http.Request, error) {
	full := baseApiUrl + ep.Path
	if len(opts.Query) > 0 {
		full += "?" + opts.Query.Encode()
	}

	req, err := http.NewRequest(ep.Method, full, bytes.NewReader(opts.Body))
	if err != nil {
		return nil, fmt.Errorf("shardwire: building request for %s %s: %w", ep.Method, ep.Path, err)
	}

	if ep.RequiresAuth {
		req.Header.Set("Authorization", r.token.authHeader())
	}
	req.Header.Set("User-Agent", r.userAgent)
	if ep.Method == http.MethodPost || ep.Method == http.MethodPut || ep.Method == http.MethodPatch {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if opts.AuditLogReason != "" {
		req.Header.Set(headerReason, opts.AuditLogReason)
	}

	return req, nil
}

// execute runs req through the HTTP client and reads the body fully so the
// connection can be returned to the pool before the retry/cache logic runs.
func (r *requester) execute(req *http.Request) (*http.Response, []byte, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("shardwire: reading response body: %w", err)
	}
	return resp, body, nil
}

// cacheableIdentity derives the Response Cache key from an endpoint's
// identity and its query parameters.
func cacheableIdentity(ep Endpoint, q url.Values) string {
	if len(q) == 0 {
		return ep.Identity
	}
	return ep.Identity + "?" + q.Encode()
}
