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
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

/*******************************
 * Shards Identify Rate Limiter
 *******************************/

// ShardsIdentifyRateLimiter defines the interface for a rate limiter
// that controls the frequency of Identify payloads sent per shard.
//
// Implementations block the caller in Wait() until an Identify token is available.
type ShardsIdentifyRateLimiter interface {
	// Wait blocks until the shard is allowed to send an Identify payload.
	Wait()
}

// DefaultShardsRateLimiter implements a simple token bucket
// rate limiter using a buffered channel of tokens.
//
// The capacity and refill interval control the max burst and rate.
type DefaultShardsRateLimiter struct {
	tokens chan struct{}
}

var _ ShardsIdentifyRateLimiter = (*DefaultShardsRateLimiter)(nil)

// NewDefaultShardsRateLimiter creates a new token bucket rate limiter.
//
// r specifies the maximum burst tokens allowed.
// interval specifies how frequently tokens are refilled.
func NewDefaultShardsRateLimiter(r int, interval time.Duration) *DefaultShardsRateLimiter {
	rl := &DefaultShardsRateLimiter{tokens: make(chan struct{}, r)}
	for range r {
		rl.tokens <- struct{}{}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return rl
}

// Wait blocks until a token is available for sending Identify.
func (rl *DefaultShardsRateLimiter) Wait() {
	<-rl.tokens
}

/*************************************
 * Shard: a single Gateway connection
 *************************************/

const (
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// reconnectBackoffBase and reconnectBackoffCap bound the reconnect
	// backoff: base 1s, doubling per attempt, capped at 128s, full jitter.
	reconnectBackoffBase = time.Second
	reconnectBackoffCap  = 128 * time.Second

	// resumeURLMaxAge is how long a cached resume_gateway_url is trusted.
	// Past this, a fresh identify is forced instead of a resume attempt.
	resumeURLMaxAge = 5 * time.Minute
)

// connState is a node of the Gateway State Machine:
//
//	Disconnected -> Connecting -> AwaitingHello -> Identifying|Resuming -> Connected -> Closing -> Disconnected
//
// with a terminal Stopped state reachable from any state.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateAwaitingHello
	stateIdentifying
	stateResuming
	stateConnected
	stateClosing
	stateStopped
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateAwaitingHello:
		return "awaiting_hello"
	case stateIdentifying:
		return "identifying"
	case stateResuming:
		return "resuming"
	case stateConnected:
		return "connected"
	case stateClosing:
		return "closing"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Shard manages a single WebSocket connection to Discord Gateway,
// including session state, heartbeats, reconnects, and the state machine
// that governs all of the above.
type Shard struct {
	shardID     int
	totalShards int
	token       Token
	intents     GatewayIntent
	compress    bool

	logger          Logger
	mux             *Multiplexer
	identifyLimiter ShardsIdentifyRateLimiter
	pool            WorkerPool

	// onTerminal, if set, reports a terminal close (one that forbids
	// reconnect) to the owning coordinator instead of the process exiting.
	onTerminal func(err error)

	state        atomic.Int32
	connectionID atomic.Int64
	attempt      atomic.Int32

	writeMu sync.Mutex // guarantees a single writer for outbound frames
	conn    net.Conn
	zlib    *zlibReaderWrapper

	seq atomic.Int64

	sessionMu     sync.Mutex
	sessionID     string
	resumeURL     string
	resumeURLSeen time.Time

	lastHeartbeatSentAt atomic.Int64 // unix nano
	lastHeartbeatACKAt  atomic.Int64 // unix nano
	latency             atomic.Int64 // nanoseconds

	backoff Backoff

	stopOnce sync.Once
	stopCh   chan struct{}
}

// newShard constructs a new Shard instance with the specified parameters.
// pool, if non-nil, runs the shard's background reconnect/heartbeat-start
// goroutines so a storm of reconnects across many shards is bounded by the
// pool's worker cap instead of spawning unboundedly.
func newShard(
	shardID, totalShards int, token Token, intents GatewayIntent, compress bool,
	logger Logger, mux *Multiplexer, limiter ShardsIdentifyRateLimiter, pool WorkerPool,
) *Shard {
	s := &Shard{
		shardID:         shardID,
		totalShards:     totalShards,
		token:           token,
		intents:         intents,
		compress:        compress,
		logger:          logger,
		mux:             mux,
		identifyLimiter: limiter,
		pool:            pool,
		backoff:         NewExponentialBackoff(reconnectBackoffBase, reconnectBackoffCap),
		stopCh:          make(chan struct{}),
	}
	s.state.Store(int32(stateDisconnected))
	return s
}

// spawn runs fn on the shard's worker pool when one is configured and has
// room, falling back to an unbounded goroutine otherwise.
func (s *Shard) spawn(fn func()) {
	if s.pool != nil && s.pool.Submit(fn) {
		return
	}
	go fn()
}

func (s *Shard) setState(st connState) {
	s.state.Store(int32(st))
}

func (s *Shard) getState() connState {
	return connState(s.state.Load())
}

func (s *Shard) logTag() string {
	return "shard " + strconv.Itoa(s.shardID)
}

// connect dials the Gateway (resuming the cached URL when one is cached)
// and spawns the read loop. It does not itself identify or resume; that
// happens once Hello arrives in the read loop.
func (s *Shard) connect(ctx context.Context) error {
	s.setState(stateConnecting)

	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.writeMu.Unlock()

	url := gatewayURL
	if s.compress {
		url += "&compress=zlib-stream"
	}
	if resumeURL := s.currentResumeURL(); resumeURL != "" {
		url = resumeURL
	}

	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		s.setState(stateDisconnected)
		return err
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	if s.compress {
		s.zlib = AcquireZlibReader()
	}

	s.setState(stateAwaitingHello)
	s.logger.Info(s.logTag() + " connected")

	go s.readLoop()
	return nil
}

func (s *Shard) currentResumeURL() string {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.resumeURL == "" || time.Since(s.resumeURLSeen) > resumeURLMaxAge {
		return ""
	}
	return s.resumeURL
}

func (s *Shard) canResume() bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.sessionID != "" && s.seq.Load() > 0 &&
		s.resumeURL != "" && time.Since(s.resumeURLSeen) <= resumeURLMaxAge
}

func (s *Shard) clearSession() {
	s.sessionMu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.sessionMu.Unlock()
	s.seq.Store(0)
}

func (s *Shard) setSession(sessionID, resumeURL string) {
	s.sessionMu.Lock()
	s.sessionID = sessionID
	s.resumeURL = resumeURL
	s.resumeURLSeen = time.Now()
	s.sessionMu.Unlock()
}

// readLoop continuously reads messages from the Gateway WebSocket,
// feeding the state machine and publishing dispatch events/parse failures
// onto the Event Multiplexer.
func (s *Shard) readLoop() {
	for {
		msg, op, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			s.logger.Error(s.logTag() + " read error: " + err.Error())
			s.onDisconnect(closeActionResume, 0)
			return
		}

		switch op {
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(msg)
			action := closeCodeAction(GatewayCloseEventCode(code))
			s.logger.Info(s.logTag() + " closed with code " + strconv.Itoa(int(code)) + ": " + reason)
			s.onDisconnect(action, GatewayCloseEventCode(code))
			return

		case ws.OpBinary:
			if !s.compress || s.zlib == nil {
				continue
			}
			decoded, derr := s.zlib.Decompress(msg)
			if derr != nil {
				s.mux.PublishParseFailure(&ParseFailure{ShardID: s.shardID, Err: derr, Raw: msg})
				continue
			}
			if decoded == nil {
				continue // incomplete zlib-stream chunk, wait for the flush suffix
			}
			s.handleRaw(decoded)

		case ws.OpText:
			s.handleRaw(msg)

		default:
			continue
		}
	}
}

func (s *Shard) handleRaw(raw []byte) {
	var payload gatewayPayload
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		s.mux.PublishParseFailure(&ParseFailure{ShardID: s.shardID, Err: err, Raw: raw})
		return
	}
	s.handlePayload(payload)
}

func (s *Shard) handlePayload(payload gatewayPayload) {
	switch payload.Op {
	case gatewayOpcodeDispatch:
		s.seq.Store(payload.S)

		switch payload.T {
		case "READY":
			var ready struct {
				SessionID string `json:"session_id"`
				ResumeURL string `json:"resume_gateway_url"`
			}
			sonic.Unmarshal(payload.D, &ready)
			s.setSession(ready.SessionID, ready.ResumeURL)
			s.setState(stateConnected)
			s.attempt.Store(0)
			s.logger.Debug(s.logTag() + " session established")
		case "RESUMED":
			s.setState(stateConnected)
			s.attempt.Store(0)
			s.logger.Debug(s.logTag() + " session resumed")
		}

		s.mux.Publish(&DispatchEvent{ShardID: s.shardID, Name: payload.T, Sequence: payload.S, Data: payload.D})

	case gatewayOpcodeReconnect:
		s.logger.Info(s.logTag() + " RECONNECT requested by gateway")
		s.onDisconnect(closeActionResume, 0)

	case gatewayOpcodeInvalidSession:
		var resumable bool
		sonic.Unmarshal(payload.D, &resumable)
		time.Sleep(time.Duration(1+rand.Intn(4)) * time.Second)
		if resumable && s.canResume() {
			s.logger.Info(s.logTag() + " session invalid (resumable), resuming")
			s.setState(stateResuming)
			s.sendResume()
		} else {
			s.logger.Info(s.logTag() + " session invalid (non-resumable), identifying")
			s.clearSession()
			s.setState(stateIdentifying)
			s.sendIdentify()
		}

	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatInterval float64 `json:"heartbeat_interval"`
		}
		sonic.Unmarshal(payload.D, &hello)
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.logger.Debug(s.logTag() + " HELLO received, heartbeat " + interval.String())
		s.spawn(func() { s.startHeartbeat(interval) })

		if s.canResume() {
			s.setState(stateResuming)
			s.logger.Info(s.logTag() + " resuming session")
			s.sendResume()
		} else {
			s.setState(stateIdentifying)
			s.logger.Debug(s.logTag() + " identifying new session")
			s.sendIdentify()
		}

	case gatewayOpcodeHeartbeatACK:
		s.lastHeartbeatACKAt.Store(time.Now().UnixNano())
		sent := s.lastHeartbeatSentAt.Load()
		if sent > 0 {
			s.latency.Store(time.Now().UnixNano() - sent)
		}
		s.logger.Debug(s.logTag() + " heartbeatACK received")

	case gatewayOpcodeHeartbeat:
		s.sendHeartbeat()
	}
}

// onDisconnect transitions the shard out of Connected/Resuming/Identifying
// and either stops it terminally or schedules a reconnect, per action. code
// is the raw Gateway close code when known (0 for a bare transport error or
// a locally-originated disconnect), used only on a terminal close: to name
// the close code in the terminal log line and to fill the reported
// GatewayTerminalError.
func (s *Shard) onDisconnect(action closeAction, code GatewayCloseEventCode) {
	s.setState(stateClosing)
	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.writeMu.Unlock()
	if s.zlib != nil {
		ReleaseZlibReader(s.zlib)
		s.zlib = nil
	}
	s.connectionID.Add(1)
	s.setState(stateDisconnected)

	select {
	case <-s.stopCh:
		return
	default:
	}

	if action == closeActionTerminal {
		err := &GatewayTerminalError{Code: int(code), Reason: closeCodeName(code)}
		s.logger.Error(fmt.Sprintf(terminalCloseLogTemplate, closeCodeName(code), libURL))
		s.setState(stateStopped)
		if s.onTerminal != nil {
			s.onTerminal(err)
		}
		return
	}

	if action == closeActionReidentify {
		s.clearSession()
	}

	s.spawn(s.reconnect)
}

func (s *Shard) writeJSON(v any) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return wsutil.WriteClientMessage(s.conn, ws.OpText, payload)
}

// sendIdentify sends an Identify payload to Discord Gateway, gated by the
// sharding coordinator's Identify rate limiter.
func (s *Shard) sendIdentify() error {
	s.identifyLimiter.Wait()
	return s.writeJSON(map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token.raw,
			"properties": map[string]string{
				"os":      "linux",
				"browser": LIB_NAME,
				"device":  LIB_NAME,
			},
			"compress": s.compress,
			"shard":    [2]int{s.shardID, s.totalShards},
			"intents":  s.intents,
		},
	})
}

// sendResume sends a Resume payload to Discord Gateway.
func (s *Shard) sendResume() error {
	s.sessionMu.Lock()
	sessionID := s.sessionID
	s.sessionMu.Unlock()
	return s.writeJSON(map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token.raw,
			"session_id": sessionID,
			"seq":        s.seq.Load(),
		},
	})
}

// sendHeartbeat sends a Heartbeat payload carrying the last sequence number.
func (s *Shard) sendHeartbeat() error {
	s.lastHeartbeatSentAt.Store(time.Now().UnixNano())
	return s.writeJSON(map[string]any{
		"op": gatewayOpcodeHeartbeat,
		"d":  s.seq.Load(),
	})
}

// SendPresenceUpdate submits a presence update. Per the outbound command
// contract, it is dropped (returning ErrNotConnected) rather than queued
// when the shard is not in the Connected state.
func (s *Shard) SendPresenceUpdate(presence any) error {
	if s.getState() != stateConnected {
		return ErrNotConnected
	}
	return s.writeJSON(map[string]any{"op": gatewayOpcodePresenceUpdate, "d": presence})
}

// SendVoiceStateUpdate submits a voice state update, dropped when not Connected.
func (s *Shard) SendVoiceStateUpdate(voiceState any) error {
	if s.getState() != stateConnected {
		return ErrNotConnected
	}
	return s.writeJSON(map[string]any{"op": gatewayOpcodeVoiceStateUpdate, "d": voiceState})
}

// SendRequestGuildMembers requests guild member chunks, dropped when not Connected.
func (s *Shard) SendRequestGuildMembers(request any) error {
	if s.getState() != stateConnected {
		return ErrNotConnected
	}
	return s.writeJSON(map[string]any{"op": gatewayOpcodeRequestGuildMembers, "d": request})
}

// startHeartbeat drives the heartbeat cadence for one connection's
// lifetime. The first beat fires after interval*jitter (jitter in [0,1))
// to avoid every shard of a bot beating in lockstep; subsequent beats
// follow the ticker exactly. Instead of beating, the link is declared a
// zombie and the shard disconnects and reconnects whenever
// now-last_sent_at > interval and last_ack_at < last_sent_at, matching the
// invariant Discord's own clients use to detect a half-dead connection.
func (s *Shard) startHeartbeat(interval time.Duration) {
	connID := s.connectionID.Load()

	jitter := time.Duration(rand.Float64() * float64(interval))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.stopCh:
		return
	}

	if s.connectionID.Load() != connID {
		return
	}
	if err := s.beat(connID); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.connectionID.Load() != connID {
				return
			}

			now := time.Now()
			sentAt := time.Unix(0, s.lastHeartbeatSentAt.Load())
			ackAt := time.Unix(0, s.lastHeartbeatACKAt.Load())
			if s.lastHeartbeatSentAt.Load() > 0 && now.Sub(sentAt) > interval && ackAt.Before(sentAt) {
				s.logger.Error(s.logTag() + " zombie link detected, reconnecting")
				s.onDisconnect(closeActionResume, 0)
				return
			}

			if err := s.beat(connID); err != nil {
				return
			}
		}
	}
}

func (s *Shard) beat(connID int64) error {
	if err := s.sendHeartbeat(); err != nil {
		s.logger.Error(s.logTag() + " heartbeat error: " + err.Error())
		if s.connectionID.Load() == connID {
			s.onDisconnect(closeActionResume, 0)
		}
		return err
	}
	return nil
}

// reconnect waits out the exponential backoff for the shard's current
// attempt count and then redials.
func (s *Shard) reconnect() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	attempt := int(s.attempt.Add(1))
	wait := s.backoff.Wait(attempt, nil)
	s.logger.Debug(s.logTag() + " reconnecting in " + wait.String())

	select {
	case <-time.After(wait):
	case <-s.stopCh:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.connect(ctx)
	cancel()

	if err != nil {
		s.logger.Error(s.logTag() + " reconnect attempt failed: " + err.Error())
		s.spawn(s.reconnect)
		return
	}
	s.logger.Debug(s.logTag() + " reconnected")
}

// Latency returns the most recently measured heartbeat round-trip time.
func (s *Shard) Latency() time.Duration {
	return time.Duration(s.latency.Load())
}

// State returns the shard's current state machine node.
func (s *Shard) State() string {
	return s.getState().String()
}

// Shutdown cleanly closes the shard's websocket connection and stops its
// heartbeat and reconnect goroutines permanently.
func (s *Shard) Shutdown() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.setState(stateStopped)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		s.logger.Info(s.logTag() + " shutting down")
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
