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

const (
	LIB_NAME    = "shardwire"
	LIB_VERSION = "0.1.0"
	libURL      = "https://github.com/ashgrove/shardwire"
)
