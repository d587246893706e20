// SPDX-License-Identifier: LGPL-3.0-or-later

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
	"github.com/deepnet-federation/deepnet-core/store"
)

func TestStoreAndGetMessage(t *testing.T) {
	ctx := context.Background()
	s := New()

	env, err := message.New(identity.NodeID{}, message.Federated, 100, message.PingPayload(1))
	require.NoError(t, err)

	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env, StoredAtS: 100}))

	got, err := s.GetMessage(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
}

func TestStoreMessageRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := New()
	env, err := message.New(identity.NodeID{}, message.Federated, 1, message.PingPayload(1))
	require.NoError(t, err)

	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env}))
	err = s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestGetMessageNotFound(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.GetMessage(ctx, message.EnvelopeID{1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDMUnreadCountAndMarkRead(t *testing.T) {
	ctx := context.Background()
	s := New()

	var peer identity.NodeID
	peer[0] = 0xAB

	env, err := message.New(peer, message.Shared, 50, message.DirectMessagePayload(message.DirectMessage{To: identity.NodeID{}, Body: "hi"}))
	require.NoError(t, err)
	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env, StoredAtS: 50}))

	count, err := s.GetUnreadDMCount(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.MarkDMsRead(ctx, peer))

	count, err = s.GetUnreadDMCount(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetBroadcastsFiltersByChannel(t *testing.T) {
	ctx := context.Background()
	s := New()

	envA, _ := message.New(identity.NodeID{}, message.Federated, 1, message.BroadcastPayload(message.Broadcast{Channel: "general", Body: "a"}))
	envB, _ := message.New(identity.NodeID{}, message.Federated, 2, message.BroadcastPayload(message.Broadcast{Channel: "random", Body: "b"}))
	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: envA.ID, Envelope: envA}))
	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: envB.ID, Envelope: envB}))

	channel := "general"
	out, err := s.GetBroadcasts(ctx, &channel, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Envelope.Payload.Broadcast.Body)

	all, err := s.GetBroadcasts(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPeerUpsertGetListDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	var id identity.NodeID
	id[0] = 1
	require.NoError(t, s.UpsertPeer(ctx, store.PeerRecord{PublicKey: id, Status: store.PeerOnline}))

	got, err := s.GetPeer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PeerOnline, got.Status)

	list, err := s.ListPeers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeletePeer(ctx, id))
	_, err = s.GetPeer(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClockStoreLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _, err := s.LoadClock(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	hlc := clock.HlcTimestamp{PhysicalTimeUs: 10, Counter: 1, NodeID: 7}
	vc := clock.NewVectorClock()
	vc.Increment(7)

	require.NoError(t, s.StoreClock(ctx, hlc, vc))

	gotHlc, gotVC, err := s.LoadClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, hlc, gotHlc)
	assert.EqualValues(t, 1, gotVC.Get(7))
}

func TestKVSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.KVSet(ctx, "ns", "key", []byte("value")))
	v, err := s.KVGet(ctx, "ns", "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)

	require.NoError(t, s.KVDelete(ctx, "ns", "key"))
	_, err = s.KVGet(ctx, "ns", "key")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatsCountsMessagesAndPeers(t *testing.T) {
	ctx := context.Background()
	s := New()

	env, _ := message.New(identity.NodeID{}, message.Shared, 1, message.DirectMessagePayload(message.DirectMessage{To: identity.NodeID{}, Body: "x"}))
	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env}))
	require.NoError(t, s.UpsertPeer(ctx, store.PeerRecord{PublicKey: identity.NodeID{1}}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.MessageCount)
	assert.EqualValues(t, 1, stats.DMCount)
	assert.EqualValues(t, 1, stats.PeerCount)
}
