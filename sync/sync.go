// Copyright (C) 2026 deepnet-federation
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package sync implements the causal replication engine: inbound dedup
// and forwarding decisions, outbound queueing with backpressure, and
// the push/pull federation protocol's per-event pipeline.
package sync

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

// Config bounds the engine's resource usage.
type Config struct {
	DefaultTTL       uint8
	MaxSeenMessages  int
	MaxOutboundQueue int
	AckTimeoutS      int64
}

// DefaultConfig matches the reference engine's defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:       3,
		MaxSeenMessages:  10000,
		MaxOutboundQueue: 1000,
		AckTimeoutS:      60,
	}
}

// PeerSyncState tracks one peer's replication progress.
type PeerSyncState struct {
	OurClock    clock.VectorClock
	TheirClock  clock.VectorClock
	PendingAcks map[message.EnvelopeID]struct{}
	LastSyncS   int64
	Enabled     bool
}

// NewPeerSyncState builds a fresh, enabled state for a peer.
func NewPeerSyncState() *PeerSyncState {
	return &PeerSyncState{
		OurClock:    clock.NewVectorClock(),
		TheirClock:  clock.NewVectorClock(),
		PendingAcks: make(map[message.EnvelopeID]struct{}),
		Enabled:     true,
	}
}

// Decision is the outcome of processing one inbound envelope.
type Decision struct {
	AlreadySeen   bool
	ShouldForward bool
}

// Engine is the sync engine's in-memory state: the local vector clock,
// per-peer sync progress, a bounded LRU dedup set, and two outbound
// queues (federated gossip, per-peer shared/DM). Per §5, seen carries
// its own lock separate from mu: the dedup check must never block (or
// be blocked by) vector-clock merges, queue drains, or peer-state
// lookups, and its lock is never held across an I/O or store call.
type Engine struct {
	selfNodeID identity.NodeID
	selfNode   uint64
	hlc        *clock.HybridClock
	cfg        Config

	seenMu sync.Mutex
	seen   *lru.Cache

	mu      sync.Mutex
	vc      clock.VectorClock
	peers   map[identity.NodeID]*PeerSyncState
	gossipQ []message.Envelope
	sharedQ map[identity.NodeID][]message.Envelope
}

// NewEngine builds an engine for selfNode, bounding its dedup set and
// queues per cfg. hlc is stored on the engine, but no Engine method
// reads it: PrepareOutbound stamps the vector clock, not an HLC.
func NewEngine(selfNode identity.NodeID, hlc *clock.HybridClock, cfg Config) *Engine {
	seen, err := lru.New(cfg.MaxSeenMessages)
	if err != nil {
		// Only returns an error for a non-positive size; fall back to
		// the reference default rather than propagate a config error
		// this deep into construction.
		seen, _ = lru.New(DefaultConfig().MaxSeenMessages)
	}

	return &Engine{
		selfNodeID: selfNode,
		selfNode:   selfNode.Uint64(),
		hlc:        hlc,
		cfg:        cfg,
		vc:         clock.NewVectorClock(),
		seen:       seen,
		peers:      make(map[identity.NodeID]*PeerSyncState),
		sharedQ:    make(map[identity.NodeID][]message.Envelope),
	}
}

// PeerState returns (creating if absent) the sync state tracked for peer.
func (e *Engine) PeerState(peer identity.NodeID) *PeerSyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerStateLocked(peer)
}

func (e *Engine) peerStateLocked(peer identity.NodeID) *PeerSyncState {
	st, ok := e.peers[peer]
	if !ok {
		st = NewPeerSyncState()
		e.peers[peer] = st
	}
	return st
}

// CurrentClock returns a copy of the engine's local vector clock.
func (e *Engine) CurrentClock() clock.VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vc.Clone()
}

// ProcessIncoming applies the dedup, LRU-eviction, and clock-merge
// steps to an inbound envelope and reports whether it should be
// forwarded. The LRU cache evicts its own least-recently-used entry on
// overflow; callers never need to reason about capacity directly.
func (e *Engine) ProcessIncoming(env message.Envelope) Decision {
	e.seenMu.Lock()
	if e.seen.Contains(env.ID) {
		e.seenMu.Unlock()
		return Decision{AlreadySeen: true}
	}
	e.seen.Add(env.ID, struct{}{})
	e.seenMu.Unlock()

	e.mu.Lock()
	e.vc.MergeInto(env.Clock)
	e.mu.Unlock()

	return Decision{
		ShouldForward: env.Layer == message.Federated && env.TTL > 0,
	}
}

// PrepareOutbound stamps env with this node's tick and origin, applies
// the layer default TTL when unset, and enqueues it for delivery.
// Queues drop new messages once full rather than evicting older ones,
// so a burst never displaces already-queued traffic.
func (e *Engine) PrepareOutbound(env message.Envelope) message.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.vc.Increment(e.selfNode)
	env.Clock = e.vc.Clone()
	env.Origin = e.selfNodeID
	if env.TTL == 0 && env.Layer == message.Federated {
		env.TTL = e.cfg.DefaultTTL
	}

	switch env.Layer {
	case message.Federated:
		if len(e.gossipQ) < e.cfg.MaxOutboundQueue {
			e.gossipQ = append(e.gossipQ, env)
		}
	case message.Shared:
		if env.Payload.DirectMessage != nil {
			to := env.Payload.DirectMessage.To
			q := e.sharedQ[to]
			if len(q) < e.cfg.MaxOutboundQueue {
				e.sharedQ[to] = append(q, env)
			}
		}
	case message.Private:
		// not queued
	}
	return env
}

// GetGossipBatch drains up to n envelopes from the federated gossip queue.
func (e *Engine) GetGossipBatch(n int) []message.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return drain(&e.gossipQ, n)
}

// GetPeerSyncBatch drains up to n envelopes from peer's per-peer queue.
func (e *Engine) GetPeerSyncBatch(peer identity.NodeID, n int) []message.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.sharedQ[peer]
	out := drain(&q, n)
	e.sharedQ[peer] = q
	return out
}

func drain(q *[]message.Envelope, n int) []message.Envelope {
	if n <= 0 || n > len(*q) {
		n = len(*q)
	}
	out := (*q)[:n]
	*q = (*q)[n:]
	return out
}

// EnqueueForward re-queues an already-verified inbound envelope for
// another gossip hop: it decrements TTL (refusing to forward one
// already at zero) and appends to the federated queue under the same
// drop-new backpressure as PrepareOutbound. It does not touch the
// local vector clock or origin field — those belong to the envelope's
// original author and must survive forwarding unchanged (canonical
// bytes in, canonical bytes out).
func (e *Engine) EnqueueForward(env message.Envelope) bool {
	if !env.DecrementTTL() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if env.Layer != message.Federated {
		return false
	}
	if len(e.gossipQ) >= e.cfg.MaxOutboundQueue {
		return false
	}
	e.gossipQ = append(e.gossipQ, env)
	return true
}

// QueueDepths reports the current length of the federated gossip queue
// and the combined length of every per-peer shared queue, for metrics.
func (e *Engine) QueueDepths() (gossip int, shared int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	gossip = len(e.gossipQ)
	for _, q := range e.sharedQ {
		shared += len(q)
	}
	return gossip, shared
}

// RecordAcks clears pending_acks for the given ids against peer's state.
func (e *Engine) RecordAcks(peer identity.NodeID, ids []message.EnvelopeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.peerStateLocked(peer)
	for _, id := range ids {
		delete(st.PendingAcks, id)
	}
	st.LastSyncS = time.Now().Unix()
}

// SeqRange is a closed range of sequence numbers contributed by one origin.
type SeqRange struct {
	NodeID   uint64
	FromSeq  uint64
	ToSeq    uint64
}

// WhatsNew is whats_new_since's response: a set of per-origin ranges
// plus the responder's current clock.
type WhatsNew struct {
	Ranges       []SeqRange
	CurrentClock clock.VectorClock
}

// WhatsNewSince reports, for every origin whose counter in the current
// clock exceeds since's, the closed range (since+1, current).
func (e *Engine) WhatsNewSince(since clock.VectorClock) WhatsNew {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ranges []SeqRange
	for origin, cur := range e.vc.Counters {
		from := since.Get(origin)
		if cur > from {
			ranges = append(ranges, SeqRange{NodeID: origin, FromSeq: from + 1, ToSeq: cur})
		}
	}
	return WhatsNew{Ranges: ranges, CurrentClock: e.vc.Clone()}
}
