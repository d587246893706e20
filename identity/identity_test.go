// SPDX-License-Identifier: LGPL-3.0-or-later

package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Manifest.DisplayName)
	assert.Len(t, id.Manifest.Capabilities, 3)
	assert.Equal(t, uint32(ProtocolVersion), id.Manifest.ProtocolVersion)
	assert.Len(t, id.ShortID(), 8)
}

func TestSignVerify(t *testing.T) {
	id, err := Generate("bob")
	require.NoError(t, err)

	msg := []byte("hello mesh")
	sig := id.Sign(msg)
	assert.True(t, Verify(id.PublicKey(), msg, sig))
	assert.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
}

func TestVerifyMalformedPubkeyDoesNotPanic(t *testing.T) {
	assert.False(t, Verify([]byte{0x01, 0x02}, []byte("m"), []byte("s")))
}

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	first, err := LoadOrGenerate(path, "carol")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrGenerate(path, "carol")
	require.NoError(t, err)
	assert.Equal(t, first.NodeID(), second.NodeID())
}

func TestLoadOrGenerateRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := LoadOrGenerate(path, "dave")
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestExportImportRoundTrip(t *testing.T) {
	id, err := Generate("erin")
	require.NoError(t, err)
	id.SetCapabilities([]Capability{CapabilityRelay, CapabilityFileShare})

	data, err := id.Export()
	require.NoError(t, err)

	imported, err := Import(data)
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), imported.NodeID())
	assert.Equal(t, id.Manifest.DisplayName, imported.Manifest.DisplayName)
	assert.Equal(t, id.Manifest.Capabilities, imported.Manifest.Capabilities)
}

func TestImportTamperedManifestFailsKeyMismatch(t *testing.T) {
	idA, err := Generate("frank")
	require.NoError(t, err)
	idB, err := Generate("george")
	require.NoError(t, err)

	dataA, err := idA.Export()
	require.NoError(t, err)
	manifestB, err := canonicalManifest(idB.Manifest)
	require.NoError(t, err)

	tampered := append(append([]byte{}, dataA[:32]...), manifestB...)
	_, err = Import(tampered)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestNodeIDHexAndUint64(t *testing.T) {
	id, err := Generate("hank")
	require.NoError(t, err)

	roundTrip, err := NodeIDFromHex(id.NodeID().Hex())
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), roundTrip)
	assert.Equal(t, id.NodeID().Hex()[:8], id.NodeID().Short())
}
