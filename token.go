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
	"encoding/json"
	"fmt"
	"strings"
)

const redactedPlaceholder = "<redacted>"

// Token wraps a bot token so that accidental logging, string formatting, or
// JSON marshaling never leaks the secret. Only authHeader() exposes the raw
// value, and only to the requester/shard code paths that build the
// Authorization header.
type Token struct {
	raw string
}

// NewToken validates and wraps a raw bot token. The "Bot " prefix, if
// present, is stripped since callers supply the bare token.
func NewToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "Bot ")
	if raw == "" || len(raw) < 50 {
		return Token{}, ErrInvalidToken
	}
	return Token{raw: raw}, nil
}

// IsZero reports whether the token was never set.
func (t Token) IsZero() bool { return t.raw == "" }

// authHeader returns the value for the Authorization header.
func (t Token) authHeader() string { return "Bot " + t.raw }

// String implements fmt.Stringer, always redacted.
func (t Token) String() string { return redactedPlaceholder }

// GoString implements fmt.GoStringer, always redacted.
func (t Token) GoString() string { return redactedPlaceholder }

// Format implements fmt.Formatter, always redacted whatever the verb.
func (t Token) Format(f fmt.State, verb rune) { fmt.Fprint(f, redactedPlaceholder) }

// MarshalJSON always emits the redacted placeholder; tokens are never
// serialized, including in debug dumps or config echoes.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(redactedPlaceholder)
}
