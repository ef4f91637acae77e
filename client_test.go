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

import "testing"

func TestGuildShardID(t *testing.T) {
	cases := []struct {
		guildID    Snowflake
		shardCount int
		want       int
	}{
		{guildID: 0, shardCount: 4, want: 0},
		{guildID: Snowflake(197038439483310080), shardCount: 1, want: 0},
		{guildID: Snowflake(1 << 22), shardCount: 4, want: 1},
		{guildID: Snowflake(5 << 22), shardCount: 4, want: 1},
		{guildID: Snowflake(3 << 22), shardCount: 1, want: 0},
	}

	for _, c := range cases {
		if got := GuildShardID(c.guildID, c.shardCount); got != c.want {
			t.Fatalf("GuildShardID(%d, %d) = %d, want %d", c.guildID, c.shardCount, got, c.want)
		}
	}
}

func TestGuildShardID_ZeroShardCount(t *testing.T) {
	if got := GuildShardID(123, 0); got != 0 {
		t.Fatalf("expected zero shard count to default to shard 0, got %d", got)
	}
}

// bucketAssignment mirrors the grouping logic Start uses to partition shard
// IDs into max_concurrency identify buckets, without actually dialing any
// shard.
func bucketAssignment(shardCount, maxConcurrency int) map[int][]int {
	buckets := make(map[int][]int, maxConcurrency)
	for id := 0; id < shardCount; id++ {
		b := id % maxConcurrency
		buckets[b] = append(buckets[b], id)
	}
	return buckets
}

func TestBucketAssignment_EvenSpread(t *testing.T) {
	buckets := bucketAssignment(8, 4)
	if len(buckets) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(buckets))
	}
	for b, ids := range buckets {
		if len(ids) != 2 {
			t.Fatalf("bucket %d: expected 2 shards, got %d", b, len(ids))
		}
		for _, id := range ids {
			if id%4 != b {
				t.Fatalf("shard %d placed in wrong bucket %d", id, b)
			}
		}
	}
}

func TestBucketAssignment_MoreShardsThanConcurrency(t *testing.T) {
	buckets := bucketAssignment(5, 2)
	if len(buckets[0]) != 3 || len(buckets[1]) != 2 {
		t.Fatalf("unexpected bucket sizes: %v", buckets)
	}
}

func TestBucketAssignment_SingleBucket(t *testing.T) {
	buckets := bucketAssignment(3, 1)
	if len(buckets) != 1 || len(buckets[0]) != 3 {
		t.Fatalf("expected every shard in the single bucket, got %v", buckets)
	}
}
