// SPDX-License-Identifier: LGPL-3.0-or-later

// Package clock implements the Hybrid Logical Clock and the per-origin
// vector clock used to order federation events without synchronized
// wall clocks.
package clock

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// MaxDrift bounds how far ahead of the local wall clock a remote
// timestamp may be before it is rejected outright.
const MaxDrift = 60 * time.Second

// HlcTimestamp is a single hybrid logical clock reading: physical wall
// time in microseconds, a tie-breaking counter, and the owning node's
// id (first 8 bytes of its public key, little-endian). Total order is
// lexicographic over (physical, counter, node_id).
type HlcTimestamp struct {
	PhysicalTimeUs uint64
	Counter        uint32
	NodeID         uint64
}

// Less reports whether t sorts strictly before other.
func (t HlcTimestamp) Less(other HlcTimestamp) bool {
	if t.PhysicalTimeUs != other.PhysicalTimeUs {
		return t.PhysicalTimeUs < other.PhysicalTimeUs
	}
	if t.Counter != other.Counter {
		return t.Counter < other.Counter
	}
	return t.NodeID < other.NodeID
}

// String renders "<physical>:<counter>:<hex16 node_id>".
func (t HlcTimestamp) String() string {
	return fmt.Sprintf("%d:%d:%016x", t.PhysicalTimeUs, t.Counter, t.NodeID)
}

// MarshalBinary encodes the timestamp as 20 little-endian bytes:
// physical(8) || counter(4) || node_id(8).
func (t HlcTimestamp) MarshalBinary() []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], t.PhysicalTimeUs)
	binary.LittleEndian.PutUint32(buf[8:12], t.Counter)
	binary.LittleEndian.PutUint64(buf[12:20], t.NodeID)
	return buf
}

// UnmarshalHlcTimestamp decodes the 20-byte wire form produced by
// MarshalBinary.
func UnmarshalHlcTimestamp(buf []byte) (HlcTimestamp, error) {
	var t HlcTimestamp
	if len(buf) != 20 {
		return t, fmt.Errorf("clock: hlc timestamp must be 20 bytes, got %d", len(buf))
	}
	t.PhysicalTimeUs = binary.LittleEndian.Uint64(buf[0:8])
	t.Counter = binary.LittleEndian.Uint32(buf[8:12])
	t.NodeID = binary.LittleEndian.Uint64(buf[12:20])
	return t, nil
}

// DriftError is returned by Receive when a remote timestamp is too far
// ahead of the local wall clock to be trusted.
type DriftError struct {
	RemoteTimeUs uint64
	LocalTimeUs  uint64
	DriftUs      uint64
	MaxDriftUs   uint64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("clock: remote time %d exceeds local time %d by %dus (max %dus)",
		e.RemoteTimeUs, e.LocalTimeUs, e.DriftUs, e.MaxDriftUs)
}

// NodeIDFromPubkeyPrefix derives the HLC node_id from the first 8 bytes
// of a node's public key, little-endian.
func NodeIDFromPubkeyPrefix(pubkey [32]byte) uint64 {
	return binary.LittleEndian.Uint64(pubkey[:8])
}

// HybridClock is a single node's HLC state, safe for concurrent use.
type HybridClock struct {
	mu    sync.Mutex
	state HlcTimestamp
}

// NewHybridClock creates a clock seeded at the zero timestamp for nodeID.
func NewHybridClock(nodeID uint64) *HybridClock {
	return &HybridClock{state: HlcTimestamp{NodeID: nodeID}}
}

// nowMicros is a var so tests can stub the wall clock deterministically.
var nowMicros = func() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Tick produces a timestamp for a locally originated event. It always
// advances strictly past any timestamp previously returned by Tick or
// Receive on this clock.
func (c *HybridClock) Tick() HlcTimestamp {
	now := nowMicros()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now > c.state.PhysicalTimeUs {
		c.state.PhysicalTimeUs = now
		c.state.Counter = 0
	} else {
		c.state.Counter++
	}
	return c.state
}

// Receive merges a remote timestamp into the local clock, producing a
// new local timestamp that is strictly greater than both the prior
// local state and remote. It rejects (without mutating state) any
// remote timestamp whose physical time is more than MaxDrift ahead of
// the local wall clock.
func (c *HybridClock) Receive(remote HlcTimestamp) (HlcTimestamp, error) {
	now := nowMicros()
	maxDriftUs := uint64(MaxDrift / time.Microsecond)

	if remote.PhysicalTimeUs > now+maxDriftUs {
		return HlcTimestamp{}, &DriftError{
			RemoteTimeUs: remote.PhysicalTimeUs,
			LocalTimeUs:  now,
			DriftUs:      remote.PhysicalTimeUs - now,
			MaxDriftUs:   maxDriftUs,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldPhysical := c.state.PhysicalTimeUs

	switch {
	case now > oldPhysical && now > remote.PhysicalTimeUs:
		// Wall clock dominates both local and remote.
		c.state.PhysicalTimeUs = now
		c.state.Counter = 0
	case oldPhysical == remote.PhysicalTimeUs:
		if c.state.Counter < remote.Counter {
			c.state.Counter = remote.Counter
		}
		c.state.Counter++
	case oldPhysical > remote.PhysicalTimeUs:
		c.state.Counter++
	default:
		c.state.PhysicalTimeUs = remote.PhysicalTimeUs
		c.state.Counter = remote.Counter + 1
	}

	return c.state, nil
}

// Now returns the current state without advancing the clock.
func (c *HybridClock) Now() HlcTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
