// SPDX-License-Identifier: LGPL-3.0-or-later

package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
	"github.com/deepnet-federation/deepnet-core/store"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "federation.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	env, err := message.New(identity.NodeID{}, message.Federated, 1, message.PingPayload(7))
	require.NoError(t, err)
	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env, StoredAtS: 1}))

	got, err := s.GetMessage(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)

	require.NoError(t, s.DeleteMessage(ctx, env.ID))
	_, err = s.GetMessage(ctx, env.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBoltStoreDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	env, err := message.New(identity.NodeID{}, message.Federated, 1, message.PingPayload(1))
	require.NoError(t, err)
	require.NoError(t, s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env}))

	err = s.StoreMessage(ctx, store.StoredMessage{ID: env.ID, Envelope: env})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestBoltPeerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	var id identity.NodeID
	id[0] = 9
	require.NoError(t, s.UpsertPeer(ctx, store.PeerRecord{PublicKey: id, Status: store.PeerOnline}))

	got, err := s.GetPeer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PeerOnline, got.Status)

	peers, err := s.ListPeers(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	require.NoError(t, s.DeletePeer(ctx, id))
	_, err = s.GetPeer(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBoltClockPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "federation.db")

	s1, err := Open(path)
	require.NoError(t, err)

	hlc := clock.HlcTimestamp{PhysicalTimeUs: 42, Counter: 1, NodeID: 5}
	vc := clock.NewVectorClock()
	vc.Increment(5)
	require.NoError(t, s1.StoreClock(ctx, hlc, vc))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	gotHlc, gotVC, err := s2.LoadClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, hlc, gotHlc)
	assert.EqualValues(t, 1, gotVC.Get(5))
}

func TestBoltKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.KVSet(ctx, "federation", "epoch", []byte("1")))
	v, err := s.KVGet(ctx, "federation", "epoch")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}
