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
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func newTestShard(t *testing.T) *Shard {
	t.Helper()
	tok, err := NewToken("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	s := newShard(0, 1, tok, GatewayIntentGuilds, false, NewDefaultLogger(nil, LogLevelErrorLevel), NewMultiplexer(nil), NewDefaultShardsRateLimiter(1, time.Second), nil)
	return s
}

func TestShard_InitialStateIsDisconnected(t *testing.T) {
	s := newTestShard(t)
	if s.State() != "disconnected" {
		t.Fatalf("expected initial state disconnected, got %s", s.State())
	}
}

func TestShard_HelloWithNoSessionIdentifies(t *testing.T) {
	s := newTestShard(t)

	helloData, _ := sonic.Marshal(map[string]any{"heartbeat_interval": float64(45000)})
	s.handlePayload(gatewayPayload{Op: gatewayOpcodeHello, D: helloData})

	if s.getState() != stateIdentifying {
		t.Fatalf("expected state identifying, got %s", s.State())
	}
}

func TestShard_HelloWithFreshSessionResumes(t *testing.T) {
	s := newTestShard(t)
	s.setSession("session-abc", "wss://resume.example")
	s.seq.Store(5)

	helloData, _ := sonic.Marshal(map[string]any{"heartbeat_interval": float64(45000)})
	s.handlePayload(gatewayPayload{Op: gatewayOpcodeHello, D: helloData})

	if s.getState() != stateResuming {
		t.Fatalf("expected state resuming, got %s", s.State())
	}
}

func TestShard_StaleResumeURLForcesFreshIdentify(t *testing.T) {
	s := newTestShard(t)
	s.setSession("session-abc", "wss://resume.example")
	s.seq.Store(5)
	s.sessionMu.Lock()
	s.resumeURLSeen = time.Now().Add(-10 * time.Minute)
	s.sessionMu.Unlock()

	if s.canResume() {
		t.Fatal("expected a resume URL older than the max age to be rejected")
	}

	helloData, _ := sonic.Marshal(map[string]any{"heartbeat_interval": float64(45000)})
	s.handlePayload(gatewayPayload{Op: gatewayOpcodeHello, D: helloData})

	if s.getState() != stateIdentifying {
		t.Fatalf("expected state identifying after stale resume URL, got %s", s.State())
	}
}

func TestShard_ReadyEstablishesSession(t *testing.T) {
	s := newTestShard(t)
	readyData, _ := sonic.Marshal(map[string]any{
		"session_id":         "sess-1",
		"resume_gateway_url": "wss://resume.example/1",
	})
	s.handlePayload(gatewayPayload{Op: gatewayOpcodeDispatch, T: "READY", S: 1, D: readyData})

	if s.getState() != stateConnected {
		t.Fatalf("expected state connected after READY, got %s", s.State())
	}
	if !s.canResume() {
		t.Fatal("expected a fresh READY to leave the shard resumable")
	}
}

func TestShard_ClearSessionResetsResumability(t *testing.T) {
	s := newTestShard(t)
	s.setSession("sess-1", "wss://resume.example/1")
	s.seq.Store(3)

	s.clearSession()

	if s.canResume() {
		t.Fatal("expected cleared session to no longer be resumable")
	}
	if s.seq.Load() != 0 {
		t.Fatalf("expected sequence to reset to 0, got %d", s.seq.Load())
	}
}

func TestShard_OutboundCommandsDroppedWhenNotConnected(t *testing.T) {
	s := newTestShard(t)

	if err := s.SendPresenceUpdate(map[string]any{"status": "online"}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.SendVoiceStateUpdate(map[string]any{}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.SendRequestGuildMembers(map[string]any{}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestShard_HeartbeatACKUpdatesLatency(t *testing.T) {
	s := newTestShard(t)
	s.lastHeartbeatSentAt.Store(time.Now().Add(-50 * time.Millisecond).UnixNano())

	s.handlePayload(gatewayPayload{Op: gatewayOpcodeHeartbeatACK})

	if s.Latency() <= 0 {
		t.Fatalf("expected a positive latency measurement, got %v", s.Latency())
	}
}

func TestShard_ReconnectRequestTriggersDisconnect(t *testing.T) {
	s := newTestShard(t)
	s.setState(stateConnected)

	done := make(chan struct{})
	go func() {
		s.handlePayload(gatewayPayload{Op: gatewayOpcodeReconnect})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out handling RECONNECT opcode")
	}

	if s.getState() == stateConnected {
		t.Fatal("expected RECONNECT opcode to move the shard out of Connected")
	}
	s.Shutdown()
}
