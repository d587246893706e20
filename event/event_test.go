// SPDX-License-Identifier: LGPL-3.0-or-later

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/identity"
)

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate("alice")
	require.NoError(t, err)
	return id
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id := mustIdentity(t)
	ev := Sign([]byte("hello mesh"), id)

	reason, err := ev.Verify()
	assert.NoError(t, err)
	assert.Equal(t, ReasonNone, reason)
}

func TestContentHashDeterministicAndAvalanches(t *testing.T) {
	a := ContentHash([]byte("payload"))
	b := ContentHash([]byte("payload"))
	c := ContentHash([]byte("payloae"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestVerifyDetectsTamperedBytes(t *testing.T) {
	id := mustIdentity(t)
	ev := Sign([]byte("original"), id)

	ev.EventBytes = []byte("tampered")
	reason, err := ev.Verify()
	assert.ErrorIs(t, err, ErrContentHashMismatch)
	assert.Equal(t, ReasonContentHashMismatch, reason)
}

func TestVerifyDetectsBadSignatureWithValidHash(t *testing.T) {
	id := mustIdentity(t)
	ev := Sign([]byte("original"), id)

	other := mustIdentity(t)
	ev.EventBytes = []byte("swapped")
	ev.ContentID = ContentHash(ev.EventBytes)
	copy(ev.OriginPubkey[:], other.PublicKey())

	reason, err := ev.Verify()
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, ReasonInvalidSignature, reason)
}

func TestParsePubkeyHexRoundTrip(t *testing.T) {
	id := mustIdentity(t)
	hexStr := id.NodeID().Hex()

	parsed, err := ParsePubkeyHex(hexStr)
	require.NoError(t, err)
	assert.Equal(t, [32]byte(id.NodeID()), parsed)
}

func TestParsePubkeyHexRejectsWrongLength(t *testing.T) {
	_, err := ParsePubkeyHex("abcd")
	assert.Error(t, err)
}
