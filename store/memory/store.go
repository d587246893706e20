// SPDX-License-Identifier: LGPL-3.0-or-later

// Package memory is an in-process Store implementation. It is the
// store used by the test suites of every other package and by
// deepnetd when run with --store memory (the default).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
	"github.com/deepnet-federation/deepnet-core/store"
)

// Store implements store.Store entirely in memory. Safe for
// concurrent use; nothing survives process restart.
type Store struct {
	mu sync.RWMutex

	identity *identity.Manifest

	messages map[message.EnvelopeID]store.StoredMessage
	order    []message.EnvelopeID // insertion order, for stable "newest first" scans

	readWatermarks map[identity.NodeID]int64 // per-peer DM read watermark (StoredAtS)

	presences map[identity.NodeID]store.PresenceRecord
	peers     map[identity.NodeID]store.PeerRecord

	hlc clock.HlcTimestamp
	vc  clock.VectorClock

	kv map[string]map[string][]byte

	lastCompaction int64
}

// New returns an empty memory-backed store.
func New() *Store {
	return &Store{
		messages:       make(map[message.EnvelopeID]store.StoredMessage),
		readWatermarks: make(map[identity.NodeID]int64),
		presences:      make(map[identity.NodeID]store.PresenceRecord),
		peers:          make(map[identity.NodeID]store.PeerRecord),
		kv:             make(map[string]map[string][]byte),
	}
}

func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(ctx context.Context) error { return nil }

// --- Identity ---------------------------------------------------------

func (s *Store) StoreIdentity(ctx context.Context, manifest identity.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := manifest
	s.identity = &m
	return nil
}

func (s *Store) LoadIdentity(ctx context.Context) (identity.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return identity.Manifest{}, fmt.Errorf("%w: no identity stored", store.ErrNotFound)
	}
	return *s.identity, nil
}

// --- Messages -----------------------------------------------------------

func (s *Store) StoreMessage(ctx context.Context, msg store.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("%w: message %x", store.ErrAlreadyExists, msg.ID)
	}
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id message.EnvelopeID) (store.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return store.StoredMessage{}, fmt.Errorf("%w: message %x", store.ErrNotFound, id)
	}
	return m, nil
}

func (s *Store) GetMessagesSince(ctx context.Context, layer message.DataLayer, since clock.VectorClock, limit int) ([]store.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StoredMessage
	for _, id := range s.order {
		m := s.messages[id]
		if m.Envelope.Layer != layer {
			continue
		}
		// Exclude items already dominated by since: keep anything that
		// is not strictly known-before the requester's snapshot.
		if !clock.HappenedBefore(m.Envelope.Clock, since) {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Envelope.TimestampS < out[j].Envelope.TimestampS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id message.EnvelopeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("%w: message %x", store.ErrNotFound, id)
	}
	delete(s.messages, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// --- Direct messages ------------------------------------------------------

func (s *Store) GetDMsWith(ctx context.Context, peer identity.NodeID, limit int) ([]store.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StoredMessage
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		m := s.messages[s.order[i]]
		dm := m.Envelope.Payload.DirectMessage
		if dm == nil {
			continue
		}
		if dm.To == peer || m.Envelope.Origin == peer {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetRecentDMs(ctx context.Context, limit int) ([]store.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StoredMessage
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		m := s.messages[s.order[i]]
		if m.Envelope.Payload.DirectMessage != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetUnreadDMCount(ctx context.Context, peer identity.NodeID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	watermark := s.readWatermarks[peer]
	count := 0
	for _, id := range s.order {
		m := s.messages[id]
		if m.Envelope.Payload.DirectMessage == nil || m.Envelope.Origin != peer {
			continue
		}
		if m.StoredAtS > watermark {
			count++
		}
	}
	return count, nil
}

func (s *Store) MarkDMsRead(ctx context.Context, peer identity.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest int64
	for _, id := range s.order {
		m := s.messages[id]
		if m.Envelope.Payload.DirectMessage == nil || m.Envelope.Origin != peer {
			continue
		}
		if m.StoredAtS > latest {
			latest = m.StoredAtS
		}
	}
	s.readWatermarks[peer] = latest
	return nil
}

// --- Broadcasts -----------------------------------------------------------

func (s *Store) GetBroadcasts(ctx context.Context, channel *string, limit int) ([]store.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StoredMessage
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		m := s.messages[s.order[i]]
		b := m.Envelope.Payload.Broadcast
		if b == nil {
			continue
		}
		if channel != nil && b.Channel != *channel {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// --- Presence ---------------------------------------------------------

func (s *Store) UpsertPresence(ctx context.Context, p store.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences[p.NodeID] = p
	return nil
}

func (s *Store) GetAllPresences(ctx context.Context) ([]store.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.PresenceRecord, 0, len(s.presences))
	for _, p := range s.presences {
		out = append(out, p)
	}
	return out, nil
}

// --- Peers --------------------------------------------------------------

func (s *Store) UpsertPeer(ctx context.Context, p store.PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.PublicKey] = p
	return nil
}

func (s *Store) GetPeer(ctx context.Context, nodeID identity.NodeID) (store.PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[nodeID]
	if !ok {
		return store.PeerRecord{}, fmt.Errorf("%w: peer %s", store.ErrNotFound, nodeID.Short())
	}
	return p, nil
}

func (s *Store) ListPeers(ctx context.Context) ([]store.PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) DeletePeer(ctx context.Context, nodeID identity.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[nodeID]; !ok {
		return fmt.Errorf("%w: peer %s", store.ErrNotFound, nodeID.Short())
	}
	delete(s.peers, nodeID)
	return nil
}

// --- Clock --------------------------------------------------------------

func (s *Store) StoreClock(ctx context.Context, hlc clock.HlcTimestamp, vc clock.VectorClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hlc = hlc
	s.vc = vc.Clone()
	return nil
}

func (s *Store) LoadClock(ctx context.Context) (clock.HlcTimestamp, clock.VectorClock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vc.Counters == nil {
		return clock.HlcTimestamp{}, clock.NewVectorClock(), fmt.Errorf("%w: no clock stored", store.ErrNotFound)
	}
	return s.hlc, s.vc.Clone(), nil
}

// --- KV -------------------------------------------------------------------

func (s *Store) KVSet(ctx context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv[namespace] == nil {
		s.kv[namespace] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.kv[namespace][key] = cp
	return nil
}

func (s *Store) KVGet(ctx context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.kv[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: namespace %q", store.ErrNotFound, namespace)
	}
	v, ok := ns[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %q/%q", store.ErrNotFound, namespace, key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) KVDelete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.kv[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// --- Maintenance ------------------------------------------------------

func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCompaction = time.Now().Unix()
	return nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dmCount, broadcastCount uint64
	for _, m := range s.messages {
		if m.Envelope.Payload.DirectMessage != nil {
			dmCount++
		}
		if m.Envelope.Payload.Broadcast != nil {
			broadcastCount++
		}
	}

	return store.Stats{
		MessageCount:   uint64(len(s.messages)),
		DMCount:        dmCount,
		BroadcastCount: broadcastCount,
		PeerCount:      uint64(len(s.peers)),
		StorageBytes:   0,
		LastCompaction: time.Unix(s.lastCompaction, 0),
	}, nil
}
