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

// Package crdt provides the convergent data primitives nodes use to
// build shared state on top of gossiped events: a grow-only counter, a
// grow-only set, and a last-writer-wins register.
package crdt

import (
	"bytes"
	"sync"

	"github.com/deepnet-federation/deepnet-core/identity"
)

// GCounter is a grow-only counter: each node tracks its own
// monotonically increasing count, merge takes the max per origin, and
// the counter's value is the sum across all origins.
type GCounter struct {
	mu     sync.RWMutex
	counts map[identity.NodeID]uint64
}

// NewGCounter builds an empty counter.
func NewGCounter() *GCounter {
	return &GCounter{counts: make(map[identity.NodeID]uint64)}
}

// Increment adds delta to origin's own count.
func (c *GCounter) Increment(origin identity.NodeID, delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[origin] += delta
}

// Value returns the sum of every origin's count.
func (c *GCounter) Value() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total uint64
	for _, v := range c.counts {
		total += v
	}
	return total
}

// Merge folds other's per-origin counts into c, taking the max for
// each origin. Merge is idempotent and commutative.
func (c *GCounter) Merge(other *GCounter) {
	other.mu.RLock()
	snapshot := make(map[identity.NodeID]uint64, len(other.counts))
	for k, v := range other.counts {
		snapshot[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for origin, v := range snapshot {
		if v > c.counts[origin] {
			c.counts[origin] = v
		}
	}
}

// Snapshot returns a copy of the per-origin counts, for serialization.
func (c *GCounter) Snapshot() map[identity.NodeID]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[identity.NodeID]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// LoadSnapshot replaces c's state with snapshot — used when restoring
// from storage.
func (c *GCounter) LoadSnapshot(snapshot map[identity.NodeID]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[identity.NodeID]uint64, len(snapshot))
	for k, v := range snapshot {
		c.counts[k] = v
	}
}

// GSet is a grow-only set: elements are only ever added, and merge is
// a union. T must be comparable to serve as a map key.
type GSet[T comparable] struct {
	mu      sync.RWMutex
	members map[T]struct{}
}

// NewGSet builds an empty set.
func NewGSet[T comparable]() *GSet[T] {
	return &GSet[T]{members: make(map[T]struct{})}
}

// Add inserts v into the set.
func (s *GSet[T]) Add(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[v] = struct{}{}
}

// Contains reports whether v is in the set.
func (s *GSet[T]) Contains(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[v]
	return ok
}

// Len returns the number of elements.
func (s *GSet[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Elements returns every member, in unspecified order.
func (s *GSet[T]) Elements() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.members))
	for v := range s.members {
		out = append(out, v)
	}
	return out
}

// Merge unions other's elements into s.
func (s *GSet[T]) Merge(other *GSet[T]) {
	other.mu.RLock()
	snapshot := make([]T, 0, len(other.members))
	for v := range other.members {
		snapshot = append(snapshot, v)
	}
	other.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range snapshot {
		s.members[v] = struct{}{}
	}
}

// LWWRegister is a last-writer-wins register: the value with the
// highest (timestamp_us, node_id) pair wins, ties broken by the larger
// node_id in byte-lexicographic order.
type LWWRegister[T any] struct {
	mu         sync.RWMutex
	value      T
	timestamp  uint64
	origin     identity.NodeID
	hasValue   bool
}

// NewLWWRegister builds an empty register.
func NewLWWRegister[T any]() *LWWRegister[T] {
	return &LWWRegister[T]{}
}

// Set assigns value if (timestampUs, origin) dominates the register's
// current write, per the tie-break rule above. Returns true if the
// write was applied.
func (r *LWWRegister[T]) Set(value T, timestampUs uint64, origin identity.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasValue || dominates(timestampUs, origin, r.timestamp, r.origin) {
		r.value = value
		r.timestamp = timestampUs
		r.origin = origin
		r.hasValue = true
		return true
	}
	return false
}

// Get returns the current value and whether one has ever been set.
func (r *LWWRegister[T]) Get() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.hasValue
}

// Merge applies other's write to r using the same dominance rule as Set.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	other.mu.RLock()
	value, ts, origin, has := other.value, other.timestamp, other.origin, other.hasValue
	other.mu.RUnlock()

	if !has {
		return
	}
	r.Set(value, ts, origin)
}

// dominates reports whether (ts1, origin1) wins over (ts2, origin2):
// higher timestamp wins, ties broken by larger node_id byte-lexically.
func dominates(ts1 uint64, origin1 identity.NodeID, ts2 uint64, origin2 identity.NodeID) bool {
	if ts1 != ts2 {
		return ts1 > ts2
	}
	return bytes.Compare(origin1[:], origin2[:]) > 0
}
