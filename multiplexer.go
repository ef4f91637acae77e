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
	"strconv"
	"sync"
)

// DispatchEvent is a single decoded Gateway dispatch event, published on the
// event stream of the Event Multiplexer.
type DispatchEvent struct {
	// ShardID identifies which shard observed the event.
	ShardID int
	// Name is the dispatch event name ("t" field, e.g. "MESSAGE_CREATE").
	Name string
	// Sequence is the "s" field carried alongside the dispatch payload.
	Sequence int64
	// Data is the raw, still-encoded event body.
	Data []byte
}

// ParseFailure is published on the parse-failure stream whenever a Gateway
// payload cannot be decoded. It carries enough context to debug without
// forcing every subscriber of the main event stream to also handle errors.
type ParseFailure struct {
	ShardID int
	Err     error
	Raw     []byte
}

// defaultSubscriberQueueSize bounds each subscriber's channel. When a
// subscriber falls behind, the oldest queued item is dropped to make room
// for the newest one, favoring freshness over completeness.
const defaultSubscriberQueueSize = 256

// Multiplexer is a single-producer, multi-consumer broadcaster of dispatch
// events and parse failures. Every subscriber gets its own bounded,
// drop-oldest queue so one slow consumer can never stall the others or the
// shard goroutines feeding Publish/PublishParseFailure. Delivery runs
// inline, in subscriber order, on the calling goroutine: a shard's events
// must reach each subscriber in the order the gateway emitted them, which a
// worker pool's concurrent task scheduling cannot guarantee.
type Multiplexer struct {
	mu          sync.Mutex
	subscribers map[int]chan *DispatchEvent
	failureSubs map[int]chan *ParseFailure
	nextID      int
	queueSize   int
	logger      Logger
}

// NewMultiplexer builds a Multiplexer. logger receives a warning each time a
// subscriber's queue is full and its oldest event is dropped.
func NewMultiplexer(logger Logger) *Multiplexer {
	return &Multiplexer{
		subscribers: make(map[int]chan *DispatchEvent),
		failureSubs: make(map[int]chan *ParseFailure),
		queueSize:   defaultSubscriberQueueSize,
		logger:      logger,
	}
}

// Subscribe returns a receive-only channel of dispatch events and an unsubscribe
// function. The channel is closed once Unsubscribe is called.
func (m *Multiplexer) Subscribe() (<-chan *DispatchEvent, func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan *DispatchEvent, m.queueSize)
	m.subscribers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
		m.mu.Unlock()
	}
}

// SubscribeParseFailures returns a receive-only channel of parse failures and
// an unsubscribe function, mirroring Subscribe but for the separate
// parse-failure stream.
func (m *Multiplexer) SubscribeParseFailures() (<-chan *ParseFailure, func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan *ParseFailure, m.queueSize)
	m.failureSubs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if c, ok := m.failureSubs[id]; ok {
			delete(m.failureSubs, id)
			close(c)
		}
		m.mu.Unlock()
	}
}

// Publish broadcasts a dispatch event to every current subscriber, in
// subscriber order, so that two events from the same shard always arrive at
// a given subscriber in the order Publish was called for them.
func (m *Multiplexer) Publish(evt *DispatchEvent) {
	m.mu.Lock()
	targets := make([]chan *DispatchEvent, 0, len(m.subscribers))
	for _, ch := range m.subscribers {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		if dropped := deliverDispatch(ch, evt); dropped {
			m.warnDropped(evt.ShardID)
		}
	}
}

// PublishParseFailure broadcasts a parse failure to every current
// parse-failure subscriber, in subscriber order.
func (m *Multiplexer) PublishParseFailure(f *ParseFailure) {
	m.mu.Lock()
	targets := make([]chan *ParseFailure, 0, len(m.failureSubs))
	for _, ch := range m.failureSubs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		if dropped := deliverParseFailure(ch, f); dropped {
			m.warnDropped(f.ShardID)
		}
	}
}

func (m *Multiplexer) warnDropped(shardID int) {
	if m.logger != nil {
		m.logger.Warn("multiplexer subscriber queue full, dropped oldest event from shard " + strconv.Itoa(shardID))
	}
}

// deliverDispatch pushes evt onto ch, dropping the oldest queued event if ch
// is full, and reports whether a drop happened.
func deliverDispatch(ch chan *DispatchEvent, evt *DispatchEvent) (dropped bool) {
	select {
	case ch <- evt:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
	return true
}

// deliverParseFailure mirrors deliverDispatch for the parse-failure stream.
func deliverParseFailure(ch chan *ParseFailure, f *ParseFailure) (dropped bool) {
	select {
	case ch <- f:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- f:
	default:
	}
	return true
}
