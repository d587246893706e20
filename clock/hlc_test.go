// SPDX-License-Identifier: LGPL-3.0-or-later

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFixedNow(t *testing.T, us uint64) {
	t.Helper()
	orig := nowMicros
	nowMicros = func() uint64 { return us }
	t.Cleanup(func() { nowMicros = orig })
}

func TestTickStrictlyIncreasing(t *testing.T) {
	withFixedNow(t, 1_000_000)
	c := NewHybridClock(1)

	t1 := c.Tick()
	t2 := c.Tick()
	t3 := c.Tick()

	assert.True(t, t1.Less(t2))
	assert.True(t, t2.Less(t3))
}

func TestTickAdvancesWallClock(t *testing.T) {
	c := NewHybridClock(7)
	orig := nowMicros
	clockVal := uint64(1000)
	nowMicros = func() uint64 { return clockVal }
	t.Cleanup(func() { nowMicros = orig })

	first := c.Tick()
	assert.EqualValues(t, 1000, first.PhysicalTimeUs)
	assert.EqualValues(t, 0, first.Counter)

	clockVal = 2000
	second := c.Tick()
	assert.EqualValues(t, 2000, second.PhysicalTimeUs)
	assert.EqualValues(t, 0, second.Counter)
}

func TestReceiveDriftRejected(t *testing.T) {
	withFixedNow(t, 1_000_000)
	c := NewHybridClock(1)

	before := c.Now()
	remote := HlcTimestamp{PhysicalTimeUs: 1_000_000 + uint64(MaxDrift/time.Microsecond) + 1, NodeID: 99}
	_, err := c.Receive(remote)
	require.Error(t, err)
	var driftErr *DriftError
	require.ErrorAs(t, err, &driftErr)
	assert.Equal(t, c.Now(), before, "rejected drift must not mutate local state")
}

func TestReceiveAtExactDriftBoundarySucceeds(t *testing.T) {
	withFixedNow(t, 1_000_000)
	c := NewHybridClock(1)

	remote := HlcTimestamp{PhysicalTimeUs: 1_000_000 + uint64(MaxDrift/time.Microsecond), NodeID: 99}
	_, err := c.Receive(remote)
	assert.NoError(t, err)
}

func TestReceiveExceedsBothLocalAndRemote(t *testing.T) {
	c := NewHybridClock(1)
	local := c.Now()
	remote := HlcTimestamp{PhysicalTimeUs: local.PhysicalTimeUs, Counter: local.Counter, NodeID: 2}

	result, err := c.Receive(remote)
	require.NoError(t, err)
	assert.True(t, local.Less(result))
}

func TestCausalChainAcrossThreeNodes(t *testing.T) {
	a := NewHybridClock(1)
	b := NewHybridClock(2)

	t1 := a.Tick()
	t2, err := b.Receive(t1)
	require.NoError(t, err)
	t2 = b.Tick()
	assert.True(t, t1.Less(t2))

	t3, err := a.Receive(t2)
	require.NoError(t, err)
	t3 = a.Tick()
	assert.True(t, t2.Less(t3))

	for _, ts := range []HlcTimestamp{t1, t2, t3} {
		bytes := ts.MarshalBinary()
		assert.Len(t, bytes, 20)
		roundTrip, err := UnmarshalHlcTimestamp(bytes)
		require.NoError(t, err)
		assert.Equal(t, ts, roundTrip)
	}
}

func TestNodeIDFromPubkeyPrefix(t *testing.T) {
	var pub [32]byte
	pub[0] = 0x01
	pub[7] = 0x80
	id := NodeIDFromPubkeyPrefix(pub)
	assert.NotZero(t, id)
}
