// SPDX-License-Identifier: LGPL-3.0-or-later

package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClockIncrementAndGet(t *testing.T) {
	v := NewVectorClock()
	v.Increment(1)
	v.Increment(1)
	v.Increment(2)

	assert.EqualValues(t, 2, v.Get(1))
	assert.EqualValues(t, 1, v.Get(2))
	assert.EqualValues(t, 0, v.Get(3))
}

func TestMergeIdempotentCommutativeAssociative(t *testing.T) {
	a := VectorClock{Counters: map[uint64]uint64{1: 3, 2: 1}}
	b := VectorClock{Counters: map[uint64]uint64{1: 1, 3: 5}}
	c := VectorClock{Counters: map[uint64]uint64{2: 9}}

	ab := Merge(a, b)
	ba := Merge(b, a)
	assert.Equal(t, ab.Counters, ba.Counters, "merge must be commutative")

	abc1 := Merge(Merge(a, b), c)
	abc2 := Merge(a, Merge(b, c))
	assert.Equal(t, abc1.Counters, abc2.Counters, "merge must be associative")

	idempotent := Merge(ab, ab)
	assert.Equal(t, ab.Counters, idempotent.Counters, "merge must be idempotent")
}

func TestHappenedBeforeTreatsAbsentAsZero(t *testing.T) {
	a := VectorClock{Counters: map[uint64]uint64{1: 1}}
	b := VectorClock{Counters: map[uint64]uint64{1: 1, 2: 1}}

	assert.True(t, HappenedBefore(a, b))
	assert.False(t, HappenedBefore(b, a))
}

func TestHappenedBeforeAntisymmetric(t *testing.T) {
	a := VectorClock{Counters: map[uint64]uint64{1: 1}}
	b := VectorClock{Counters: map[uint64]uint64{1: 2}}

	require := assert.New(t)
	require.True(HappenedBefore(a, b))
	require.False(HappenedBefore(b, a))
	require.NotEqual(a.Counters, b.Counters)
}

func TestConcurrentClocks(t *testing.T) {
	a := VectorClock{Counters: map[uint64]uint64{1: 2}}
	b := VectorClock{Counters: map[uint64]uint64{2: 1}}

	assert.True(t, IsConcurrent(a, b))
	assert.False(t, IsConcurrent(a, a))
}

func TestMergeIntoMutatesReceiver(t *testing.T) {
	v := NewVectorClock()
	v.Increment(1)
	other := VectorClock{Counters: map[uint64]uint64{1: 5, 2: 2}}

	v.MergeInto(other)
	assert.EqualValues(t, 5, v.Get(1))
	assert.EqualValues(t, 2, v.Get(2))
}
