// SPDX-License-Identifier: LGPL-3.0-or-later

package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/event"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/peer"
	memstore "github.com/deepnet-federation/deepnet-core/store/memory"
	"github.com/deepnet-federation/deepnet-core/sync"
)

func newTestServer(t *testing.T) (*Server, *identity.Identity) {
	t.Helper()
	self, err := identity.Generate("node-a")
	require.NoError(t, err)

	registry := peer.NewRegistry("", peer.DefaultPolicy())
	engine := sync.NewEngine(self.NodeID(), clock.NewHybridClock(self.NodeID().Uint64()), sync.DefaultConfig())
	dedup := peer.NewSeenCache()
	st := memstore.New()
	hlc := clock.NewHybridClock(self.NodeID().Uint64())

	return NewServer(self, registry, engine, dedup, st, hlc, "https://node-a.example:31415"), self
}

func TestHandleRegisterAcceptsValidChallenge(t *testing.T) {
	s, _ := newTestServer(t)

	peerID, err := identity.Generate("node-b")
	require.NoError(t, err)
	challenge, err := peer.NewChallenge(peerID, "node-b", "https://node-b.example:31415", peer.AuthDeviceBound)
	require.NoError(t, err)

	req := RegisterRequest{
		PublicKey:          challenge.PublicKey,
		DisplayName:        challenge.DisplayName,
		Endpoint:           challenge.Endpoint,
		ChallengeNonce:     challenge.ChallengeNonce,
		ChallengeSignature: challenge.ChallengeSignature,
		AuthTier:           challenge.AuthTier,
	}

	w := httptest.NewRecorder()
	body := encodeBody(t, req)
	httpReq := httptest.NewRequest(http.MethodPost, "/api/federation/register", body)
	s.handleRegister(w, httpReq)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.registry.IsKnownPeer(peerID.NodeID()))
}

func TestHandleRegisterRejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t)

	peerID, err := identity.Generate("node-b")
	require.NoError(t, err)
	challenge, err := peer.NewChallenge(peerID, "node-b", "https://node-b.example:31415", peer.AuthDeviceBound)
	require.NoError(t, err)
	challenge.ChallengeSignature[0] ^= 0xFF

	req := RegisterRequest{
		PublicKey:          challenge.PublicKey,
		DisplayName:        challenge.DisplayName,
		Endpoint:           challenge.Endpoint,
		ChallengeNonce:     challenge.ChallengeNonce,
		ChallengeSignature: challenge.ChallengeSignature,
		AuthTier:           challenge.AuthTier,
	}

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/api/federation/register", encodeBody(t, req))
	s.handleRegister(w, httpReq)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, s.registry.IsKnownPeer(peerID.NodeID()))
}

func TestHandlePushPersistsAcceptedEventAndRejectsUnknownPeer(t *testing.T) {
	s, _ := newTestServer(t)

	origin, err := identity.Generate("node-b")
	require.NoError(t, err)

	env, err := newFederatedEnvelope(t, origin.NodeID())
	require.NoError(t, err)
	rawEnv, err := marshalEnvelope(env)
	require.NoError(t, err)
	ev := event.Sign(rawEnv, origin)

	req := sync.PushRequest{Events: []event.SignedEvent{ev}}

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/api/federation/events", encodeBody(t, req))
	s.handlePush(w, httpReq)

	// origin isn't registered yet: the event must be rejected as
	// unknown_peer, never silently accepted.
	assert.Equal(t, http.StatusBadRequest, w.Code)

	challenge, err := peer.NewChallenge(origin, "node-b", "https://node-b.example:31415", peer.AuthDeviceBound)
	require.NoError(t, err)
	_, err = s.registry.AcceptRegistration(challenge)
	require.NoError(t, err)

	w = httptest.NewRecorder()
	httpReq = httptest.NewRequest(http.MethodPost, "/api/federation/events", encodeBody(t, req))
	s.handlePush(w, httpReq)

	assert.Equal(t, http.StatusOK, w.Code)

	stored, err := s.st.GetMessage(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.Origin, stored.Envelope.Origin)

	raw, err := s.st.KVGet(context.Background(), eventBytesNamespace, ev.ContentIDHex())
	require.NoError(t, err)
	assert.Equal(t, rawEnv, raw)
}

func TestHandlePullRejectsUnknownPeer(t *testing.T) {
	s, _ := newTestServer(t)

	unknown, err := identity.Generate("node-c")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodGet, "/api/federation/events?pubkey="+unknown.NodeID().Hex(), nil)
	s.handlePull(w, httpReq)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleIdentityReportsSelf(t *testing.T) {
	s, self := newTestServer(t)

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodGet, "/api/federation/identity", nil)
	s.handleIdentity(w, httpReq)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), self.NodeID().Hex())
}

func TestHandleRemovePeerTombstonesKnownPeer(t *testing.T) {
	s, _ := newTestServer(t)

	origin, err := identity.Generate("node-b")
	require.NoError(t, err)
	challenge, err := peer.NewChallenge(origin, "node-b", "https://node-b.example:31415", peer.AuthDeviceBound)
	require.NoError(t, err)
	_, err = s.registry.AcceptRegistration(challenge)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodDelete, "/api/federation/peers/"+origin.NodeID().Hex(), nil)
	httpReq.SetPathValue("hex_pubkey", origin.NodeID().Hex())
	s.handleRemovePeer(w, httpReq)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.registry.IsKnownPeer(origin.NodeID()))
}

func TestHandleStatusReportsSelf(t *testing.T) {
	s, self := newTestServer(t)

	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodGet, "/api/federation/status", nil)
	s.handleStatus(w, httpReq)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), self.NodeID().Hex())
}
