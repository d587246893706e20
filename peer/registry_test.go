// SPDX-License-Identifier: LGPL-3.0-or-later

package peer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/identity"
)

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate("test-node")
	require.NoError(t, err)
	return id
}

func TestAcceptRegistrationValidChallengeUpserts(t *testing.T) {
	initiator := mustIdentity(t)
	r := NewRegistry("", DefaultPolicy())

	c, err := NewChallenge(initiator, "alice", "10.0.0.1:31415", AuthDeviceBound)
	require.NoError(t, err)

	info, err := r.AcceptRegistration(c)
	require.NoError(t, err)
	assert.Equal(t, initiator.NodeID(), info.PublicKey)
	assert.False(t, info.InitiatedByUs)
	assert.Equal(t, StatusOnline, info.Status)
	assert.True(t, r.IsKnownPeer(initiator.NodeID()))
}

func TestValidateChallengeRejectsBadSignatureLength(t *testing.T) {
	initiator := mustIdentity(t)
	c, err := NewChallenge(initiator, "alice", "addr", AuthDeviceBound)
	require.NoError(t, err)
	c.ChallengeSignature = c.ChallengeSignature[:10]

	r := NewRegistry("", DefaultPolicy())
	_, err = r.AcceptRegistration(c)
	assert.ErrorIs(t, err, ErrInvalidChallengeFormat)
}

func TestValidateChallengeRejectsBadSignature(t *testing.T) {
	initiator := mustIdentity(t)
	other := mustIdentity(t)
	c, err := NewChallenge(initiator, "alice", "addr", AuthDeviceBound)
	require.NoError(t, err)
	c.ChallengeSignature = other.Sign(c.ChallengeNonce[:])

	r := NewRegistry("", DefaultPolicy())
	_, err = r.AcceptRegistration(c)
	assert.ErrorIs(t, err, ErrChallengeVerificationFailed)
}

func TestValidateChallengeEnforcesMaxPeers(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxPeers = 1
	r := NewRegistry("", policy)

	first := mustIdentity(t)
	c1, err := NewChallenge(first, "a", "addr1", AuthDeviceBound)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(c1)
	require.NoError(t, err)

	second := mustIdentity(t)
	c2, err := NewChallenge(second, "b", "addr2", AuthDeviceBound)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(c2)
	assert.ErrorIs(t, err, ErrPeerLimitReached)
}

func TestValidateChallengeAllowsReRegistrationPastLimit(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxPeers = 1
	r := NewRegistry("", policy)

	id := mustIdentity(t)
	c, err := NewChallenge(id, "a", "addr", AuthDeviceBound)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(c)
	require.NoError(t, err)

	c2, err := NewChallenge(id, "a-renamed", "addr2", AuthDeviceBound)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(c2)
	assert.NoError(t, err, "re-registering an existing peer must not count against the limit")
}

func TestValidateChallengeEnforcesMinAuthTier(t *testing.T) {
	policy := DefaultPolicy()
	policy.MinAuthTier = AuthHardwareAttested
	r := NewRegistry("", policy)

	id := mustIdentity(t)
	c, err := NewChallenge(id, "a", "addr", AuthDeviceBound)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(c)
	assert.ErrorIs(t, err, ErrBelowMinAuthTier)
}

func TestRecordInitiatedPendingMutualWhenRequired(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireMutual = true
	r := NewRegistry("", policy)

	id := mustIdentity(t)
	c, err := NewChallenge(id, "b", "addr", AuthDeviceBound)
	require.NoError(t, err)

	info, err := r.RecordInitiated(c)
	require.NoError(t, err)
	assert.True(t, info.InitiatedByUs)
	assert.Equal(t, StatusPendingMutual, info.Status)

	require.NoError(t, r.ConfirmMutual(id.NodeID()))
	confirmed, ok := r.Get(id.NodeID())
	require.True(t, ok)
	assert.Equal(t, StatusOnline, confirmed.Status)
}

func TestTouchAndRemove(t *testing.T) {
	r := NewRegistry("", DefaultPolicy())
	id := mustIdentity(t)
	c, err := NewChallenge(id, "a", "addr", AuthDeviceBound)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(c)
	require.NoError(t, err)

	require.NoError(t, r.Touch(id.NodeID()))
	info, ok := r.Get(id.NodeID())
	require.True(t, ok)
	assert.Equal(t, StatusOnline, info.Status)

	require.NoError(t, r.Remove(id.NodeID()))
	info, ok = r.Get(id.NodeID())
	require.True(t, ok)
	assert.Equal(t, StatusRemoved, info.Status)
	assert.False(t, r.IsKnownPeer(id.NodeID()), "removed peer must not count as known")
}

func TestTouchUnknownPeerErrors(t *testing.T) {
	r := NewRegistry("", DefaultPolicy())
	err := r.Touch(identity.NodeID{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestRegistryPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")

	r := NewRegistry(path, DefaultPolicy())
	id := mustIdentity(t)
	c, err := NewChallenge(id, "a", "addr", AuthDeviceBound)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(c)
	require.NoError(t, err)

	reloaded, err := Load(path, DefaultPolicy())
	require.NoError(t, err)
	info, ok := reloaded.Get(id.NodeID())
	require.True(t, ok)
	assert.Equal(t, "a", info.DisplayName)
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(filepath.Join(dir, "nope.json"), DefaultPolicy())
	require.NoError(t, err)
	assert.Empty(t, r.List())
}

func TestStatusCountsOnlineAndTotalExcludingRemoved(t *testing.T) {
	r := NewRegistry("", DefaultPolicy())
	a, b := mustIdentity(t), mustIdentity(t)

	ca, _ := NewChallenge(a, "a", "addrA", AuthDeviceBound)
	cb, _ := NewChallenge(b, "b", "addrB", AuthDeviceBound)
	_, err := r.AcceptRegistration(ca)
	require.NoError(t, err)
	_, err = r.AcceptRegistration(cb)
	require.NoError(t, err)
	require.NoError(t, r.Remove(b.NodeID()))

	self := mustIdentity(t)
	snap := r.Status(self, "me", "me-addr", 3)
	assert.Equal(t, 1, snap.PeersTotal)
	assert.Equal(t, 1, snap.PeersOnline)
	assert.Equal(t, 3, snap.EventsSeen)
}
