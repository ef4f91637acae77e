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
	"fmt"
	"net/http"
)

// Endpoint describes one REST route: enough to build a request and to
// derive the cacheable identity and rate limit key before the route's
// X-RateLimit-Bucket is known.
type Endpoint struct {
	// Method is the HTTP method.
	Method string
	// Identity is a stable, parameter-substituted name for the route
	// (e.g. "GET /channels/{channel.id}"), used as the rate limiter's
	// provisional key and as the cache identity.
	Identity string
	// Path is the fully substituted request path, relative to the API base.
	Path string
	// Cacheable marks routes whose 2xx responses are safe to serve from the
	// Response Cache.
	Cacheable bool
	// RequiresAuth marks routes that need the bot's Authorization header.
	// False for webhook-token routes, which authenticate via the token in
	// their URL instead.
	RequiresAuth bool
	// CountsAgainstGlobalLimit marks routes paced by the shared global
	// budget in addition to their own bucket. False for interaction
	// callbacks, which Discord exempts from the global limit.
	CountsAgainstGlobalLimit bool
}

// GetGatewayBot builds the endpoint for fetching the recommended shard
// count, gateway URL, and session start limit.
func GetGatewayBot() Endpoint {
	return Endpoint{
		Method:                   http.MethodGet,
		Identity:                 "GET /gateway/bot",
		Path:                     "/gateway/bot",
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}
}

// GetCurrentUser builds the endpoint for fetching the bot's own user object.
func GetCurrentUser() Endpoint {
	return Endpoint{
		Method:                   http.MethodGet,
		Identity:                 "GET /users/@me",
		Path:                     "/users/@me",
		Cacheable:                true,
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}
}

// GetChannel builds the endpoint for fetching a channel by ID.
func GetChannel(channelID Snowflake) Endpoint {
	return Endpoint{
		Method:                   http.MethodGet,
		Identity:                 "GET /channels/{channel.id}",
		Path:                     fmt.Sprintf("/channels/%s", channelID),
		Cacheable:                true,
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}
}

// CreateMessage builds the endpoint for posting a message into a channel.
func CreateMessage(channelID Snowflake) Endpoint {
	return Endpoint{
		Method:                   http.MethodPost,
		Identity:                 "POST /channels/{channel.id}/messages",
		Path:                     fmt.Sprintf("/channels/%s/messages", channelID),
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}
}

// GetGuild builds the endpoint for fetching a guild by ID.
func GetGuild(guildID Snowflake) Endpoint {
	return Endpoint{
		Method:                   http.MethodGet,
		Identity:                 "GET /guilds/{guild.id}",
		Path:                     fmt.Sprintf("/guilds/%s", guildID),
		Cacheable:                true,
		RequiresAuth:             true,
		CountsAgainstGlobalLimit: true,
	}
}
