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
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

/*****************************
 *          Client
 *****************************/

// ShardStopped is published whenever a shard's connection attempt fails
// permanently or its state machine reaches the terminal Stopped state. It
// lets a caller observe per-shard failure without the whole Client aborting,
// since one bad shard should never take the rest of the fleet down with it.
type ShardStopped struct {
	ShardID int
	Err     error
}

// Client is the Sharding Coordinator: it groups every shard of a bot into
// identify buckets, fans gateway events out through a shared Event
// Multiplexer, and routes REST calls through a shared rate-limited,
// cached, retrying HTTP Client Core.
type Client struct {
	ctx             context.Context
	Logger          Logger
	workerPool      WorkerPool
	identifyLimiter ShardsIdentifyRateLimiter
	token           Token
	intents         GatewayIntent
	compress        bool

	requester *requester
	mux       *Multiplexer

	shardsMu       sync.RWMutex
	shards         map[int]*Shard
	shardCount     int
	maxConcurrency int

	shardStopped chan *ShardStopped
}

// clientOption defines a function used to configure Client during creation.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for your client.
//
// Warning: Never share your bot token publicly.
func WithToken(token string) clientOption {
	tok, err := NewToken(token)
	if err != nil {
		log.Fatalf("WithToken: %v", err)
	}
	return func(c *Client) {
		c.token = tok
	}
}

// WithLogger sets a custom Logger implementation for your client.
func WithLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithWorkerPool sets a custom workerpool implementation for your client.
func WithWorkerPool(workerPool WorkerPool) clientOption {
	if workerPool == nil {
		log.Fatal("WithWorkerPool: workerPool must not be nil")
	}
	return func(c *Client) {
		c.workerPool = workerPool
	}
}

// WithShardsIdentifyRateLimiter sets a custom ShardsIdentifyRateLimiter
// implementation for your client, layered on top of the coordinator's own
// per-bucket 5 second spacing.
func WithShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) clientOption {
	if rateLimiter == nil {
		log.Fatal("WithShardsIdentifyRateLimiter: rateLimiter must not be nil")
	}
	return func(c *Client) {
		c.identifyLimiter = rateLimiter
	}
}

// WithIntents sets Gateway intents for the client shards.
func WithIntents(intents ...GatewayIntent) clientOption {
	var totalIntents GatewayIntent
	for _, intent := range intents {
		totalIntents |= intent
	}
	return func(c *Client) {
		c.intents = totalIntents
	}
}

// WithCompression enables the zlib-stream transport-compression Gateway
// option.
func WithCompression(enabled bool) clientOption {
	return func(c *Client) {
		c.compress = enabled
	}
}

// WithShardCount pins the shard count instead of using Discord's
// recommended count from GET /gateway/bot.
func WithShardCount(count int) clientOption {
	return func(c *Client) {
		c.shardCount = count
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a new Client instance with the provided options.
//
// Defaults:
//   - Logger: stdout logger at Info level.
//   - Intents: GatewayIntentGuilds | GatewayIntentGuildMessages | GatewayIntentGuildMembers
func New(ctx context.Context, options ...clientOption) *Client {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:    ctx,
		Logger: NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
		shards:       make(map[int]*Shard),
		shardStopped: make(chan *ShardStopped, 64),
	}

	for _, option := range options {
		option(client)
	}

	if client.workerPool == nil {
		client.workerPool = NewDefaultWorkerPool(client.Logger)
	}

	client.mux = NewMultiplexer(client.Logger)
	client.requester = newRequester(nil, client.token, client.Logger)
	return client
}

/*****************************
 *       Start
 *****************************/

// Start retrieves Gateway bot information, partitions shards into
// max_concurrency identify buckets, and connects every bucket concurrently
// (each bucket's own shards are connected with >=5s spacing). A shard that
// fails to connect or later stops terminally is reported on ShardStoppedCh
// rather than aborting the rest of the fleet.
//
// The client runs until ctx is cancelled, at which point it shuts down
// gracefully and Start returns.
func (c *Client) Start() error {
	gw, err := c.fetchGatewayBot()
	if err != nil {
		return fmt.Errorf("shardwire: fetching gateway bot info: %w", err)
	}

	if c.shardCount == 0 {
		c.shardCount = gw.Shards
	}
	c.maxConcurrency = gw.SessionStartLimit.MaxConcurrency
	if c.maxConcurrency <= 0 {
		c.maxConcurrency = 1
	}

	if c.identifyLimiter == nil {
		c.identifyLimiter = NewDefaultShardsRateLimiter(c.maxConcurrency, 5*time.Second)
	}

	buckets := make(map[int][]int, c.maxConcurrency)
	for id := 0; id < c.shardCount; id++ {
		b := id % c.maxConcurrency
		buckets[b] = append(buckets[b], id)
	}

	var wg sync.WaitGroup
	for _, ids := range buckets {
		wg.Add(1)
		go func(ids []int) {
			defer wg.Done()
			for i, id := range ids {
				if i > 0 {
					time.Sleep(5 * time.Second)
				}
				c.connectShard(id)
			}
		}(ids)
	}
	wg.Wait()

	<-c.ctx.Done()
	if err := c.ctx.Err(); err != nil {
		c.Logger.WithField("err", err).Error("client shutting down due to context error")
	}
	c.Shutdown()
	return nil
}

// connectShard dials a single shard. Failure is reported on shardStopped
// instead of propagating, so one bucket's bad luck never stops the rest of
// the fleet from starting.
func (c *Client) connectShard(id int) {
	shard := newShard(id, c.shardCount, c.token, c.intents, c.compress, c.Logger, c.mux, c.identifyLimiter, c.workerPool)
	shard.onTerminal = func(err error) {
		c.reportShardStopped(id, err)
	}
	if err := shard.connect(c.ctx); err != nil {
		c.Logger.Error(fmt.Sprintf("shard %d failed to connect: %v", id, err))
		c.reportShardStopped(id, err)
		return
	}

	c.shardsMu.Lock()
	c.shards[id] = shard
	c.shardsMu.Unlock()
}

func (c *Client) reportShardStopped(id int, err error) {
	select {
	case c.shardStopped <- &ShardStopped{ShardID: id, Err: err}:
	default:
	}
}

// ShardStoppedCh returns the channel on which non-fatal per-shard failures
// are reported.
func (c *Client) ShardStoppedCh() <-chan *ShardStopped {
	return c.shardStopped
}

/*****************************
 *       Routing
 *****************************/

// Shard returns the shard with the given ID, if connected.
func (c *Client) Shard(shardID int) (*Shard, bool) {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()
	s, ok := c.shards[shardID]
	return s, ok
}

// GuildShardID computes which shard owns guildID, per Discord's documented
// formula.
func GuildShardID(guildID Snowflake, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int((uint64(guildID) >> 22) % uint64(shardCount))
}

// ShardForGuild returns the shard that owns guildID, if connected.
func (c *Client) ShardForGuild(guildID Snowflake) (*Shard, bool) {
	return c.Shard(GuildShardID(guildID, c.shardCount))
}

// BroadcastPresenceUpdate fans a presence update out to every connected
// shard, collecting per-shard errors (most commonly ErrNotConnected for a
// shard mid-reconnect) rather than stopping at the first failure.
func (c *Client) BroadcastPresenceUpdate(presence any) map[int]error {
	c.shardsMu.RLock()
	shards := make([]*Shard, 0, len(c.shards))
	for _, s := range c.shards {
		shards = append(shards, s)
	}
	c.shardsMu.RUnlock()

	errs := make(map[int]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range shards {
		wg.Add(1)
		go func(s *Shard) {
			defer wg.Done()
			if err := s.SendPresenceUpdate(presence); err != nil {
				mu.Lock()
				errs[s.shardID] = err
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errs
}

// Subscribe returns the client's dispatch event stream.
func (c *Client) Subscribe() (<-chan *DispatchEvent, func()) {
	return c.mux.Subscribe()
}

// SubscribeParseFailures returns the client's parse-failure stream.
func (c *Client) SubscribeParseFailures() (<-chan *ParseFailure, func()) {
	return c.mux.SubscribeParseFailures()
}

/*****************************
 *       REST
 *****************************/

// fetchGatewayBot calls GET /gateway/bot to learn the recommended shard
// count and session start limit.
func (c *Client) fetchGatewayBot() (*GatewayBot, error) {
	_, body, err := c.requester.send(GetGatewayBot(), requestOptions{})
	if err != nil {
		return nil, err
	}
	var gw GatewayBot
	if err := sonic.Unmarshal(body, &gw); err != nil {
		return nil, fmt.Errorf("shardwire: decoding gateway bot response: %w", err)
	}
	return &gw, nil
}

/*****************************
 *       Shutdown
 *****************************/

// Shutdown cleanly shuts down the Client: closes the REST requester's idle
// connections and its response cache, and shuts down every managed shard.
func (c *Client) Shutdown() {
	c.Logger.Info("client shutting down")
	c.requester.Shutdown()

	c.shardsMu.Lock()
	for _, shard := range c.shards {
		shard.Shutdown()
	}
	c.shards = make(map[int]*Shard)
	c.shardsMu.Unlock()
}
