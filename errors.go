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
	"fmt"
)

// Common errors returned by the shardwire library.
var (
	// ErrNoClient is returned when an action is attempted without a bound client.
	ErrNoClient = errors.New("shardwire: entity has no client reference")

	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("shardwire: resource not found")

	// ErrUnauthorized is returned when the bot lacks permission for an action.
	ErrUnauthorized = errors.New("shardwire: unauthorized")

	// ErrRateLimited is returned when should_request denies a send before it
	// ever reaches the wire. See RateLimitedError for the identifying detail.
	ErrRateLimited = errors.New("shardwire: rate limited")

	// ErrInvalidToken is returned when the bot token is empty or malformed.
	ErrInvalidToken = errors.New("shardwire: invalid token")

	// ErrInvalidSnowflake is returned when a snowflake ID fails to parse.
	ErrInvalidSnowflake = errors.New("shardwire: invalid snowflake")

	// ErrNotConnected is returned by an outbound gateway command submitted
	// while the connection is not in the Connected state. The command is
	// dropped, not queued, and this error is returned to the caller.
	ErrNotConnected = errors.New("shardwire: shard is not connected")

	// ErrGatewayStopped is matched (via errors.Is) by the GatewayTerminalError
	// a shard reports when its state machine reaches the terminal Stopped
	// state.
	ErrGatewayStopped = errors.New("shardwire: gateway is stopped")
)

// DiscordAPIError represents a structured error body returned by the
// Discord API (HTTP status outside 2xx, JSON body with code/message).
type DiscordAPIError struct {
	// Code is the Discord error code.
	Code int `json:"code"`

	// Message is the error message from Discord.
	Message string `json:"message"`

	// HTTPStatus is the HTTP status code.
	HTTPStatus int `json:"-"`

	// Errors contains nested validation errors.
	Errors map[string]any `json:"errors,omitempty"`
}

// Error implements the error interface.
func (e *DiscordAPIError) Error() string {
	return fmt.Sprintf("discord api error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// IsNotFound returns true if this is a 404 Not Found error.
func (e *DiscordAPIError) IsNotFound() bool { return e.HTTPStatus == 404 }

// IsRateLimited returns true if this is a 429 Rate Limited error.
func (e *DiscordAPIError) IsRateLimited() bool { return e.HTTPStatus == 429 }

// IsUnauthorized returns true if this is a 401 Unauthorized error.
func (e *DiscordAPIError) IsUnauthorized() bool { return e.HTTPStatus == 401 }

// IsForbidden returns true if this is a 403 Forbidden error.
func (e *DiscordAPIError) IsForbidden() bool { return e.HTTPStatus == 403 }

// RateLimitedError is returned by the HTTP client core's send() when 4.A's
// should_request denies the call pre-emptively (step 3 of the pipeline).
// It carries the endpoint identity so callers can distinguish routes.
type RateLimitedError struct {
	Endpoint string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("shardwire: rate limited for endpoint %q", e.Endpoint)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// GatewayTerminalError describes a gateway close code that forbids
// reconnect. Code is the raw WebSocket close code.
type GatewayTerminalError struct {
	Code   int
	Reason string
}

func (e *GatewayTerminalError) Error() string {
	return fmt.Sprintf("shardwire: gateway closed terminally (code %d): %s", e.Code, e.Reason)
}

func (e *GatewayTerminalError) Is(target error) bool {
	return target == ErrGatewayStopped
}
