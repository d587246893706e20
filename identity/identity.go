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

// Package identity implements sovereign node identity: a long-lived
// Ed25519 keypair whose public key doubles as the node's address in the
// mesh. There is no certificate authority and no chain-anchored DID —
// a node's identity is exactly its public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrInvalidLength is returned when persisted key material is the wrong size.
	ErrInvalidLength = errors.New("identity: invalid key length")
	// ErrKeyMismatch is returned when an imported manifest's node_id disagrees
	// with the node_id recomputed from the embedded secret key.
	ErrKeyMismatch = errors.New("identity: manifest node_id does not match key")
	// ErrCorrupted is returned when persisted identity state cannot be parsed.
	ErrCorrupted = errors.New("identity: corrupted identity file")
)

// NodeID is the 32-byte Ed25519 public key that identifies a node.
// Equality of NodeID values defines node equality.
type NodeID [32]byte

// Hex returns the full lowercase hex encoding of the node ID.
func (n NodeID) Hex() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first 8 hex characters for logs and human display.
// Never use Short for identity comparisons.
func (n NodeID) Short() string {
	return n.Hex()[:8]
}

func (n NodeID) String() string { return n.Short() }

// MarshalJSON renders the node id as lowercase hex rather than
// encoding/json's default array-of-ints for a fixed-size array.
func (n NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Hex())
}

// UnmarshalJSON parses the hex form produced by MarshalJSON.
func (n *NodeID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("identity: node id: %w", err)
	}
	id, err := NodeIDFromHex(s)
	if err != nil {
		return fmt.Errorf("identity: node id: %w", err)
	}
	*n = id
	return nil
}

// NodeIDFromHex parses a full 64-char hex node id.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: %w", err)
	}
	if len(b) != len(id) {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// Uint64 derives the 8-byte little-endian prefix used as the HLC node_id.
func (n NodeID) Uint64() uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(n[i])
	}
	return v
}

// Capability is a tag a node advertises in its manifest.
type Capability string

const (
	CapabilityDirectMessage Capability = "direct_message"
	CapabilityBroadcast     Capability = "broadcast"
	CapabilityFileShare     Capability = "file_share"
	CapabilityPresence      Capability = "presence"
	CapabilityRelay         Capability = "relay"
	CapabilityE2EEncryption Capability = "e2e_encryption"
)

// Metadata is optional public discovery metadata (original_source's
// NodeMetadata: device_type/app_version/region), not part of spec.md's
// minimal manifest but folded in from the Rust reference implementation.
type Metadata struct {
	DeviceType string `json:"device_type,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	Region     string `json:"region,omitempty"`
}

// Manifest is the public, non-secret half of a node's identity.
type Manifest struct {
	NodeID          NodeID       `json:"node_id"`
	DisplayName     string       `json:"display_name"`
	Capabilities    []Capability `json:"capabilities"`
	CreatedAtS      int64        `json:"created_at_s"`
	ProtocolVersion uint32       `json:"protocol_version"`
	Metadata        *Metadata    `json:"metadata,omitempty"`
}

// ProtocolVersion is the current wire protocol version stamped into
// newly generated manifests.
const ProtocolVersion = 1

// defaultCapabilities mirrors the Rust reference's generate() default set.
var defaultCapabilities = []Capability{
	CapabilityDirectMessage,
	CapabilityBroadcast,
	CapabilityPresence,
}

// Identity is a node's complete sovereign identity: a private signing
// key plus the public manifest derived from it. The private key never
// leaves this struct; Sign is the only operation that touches it.
type Identity struct {
	secret   ed25519.PrivateKey
	Manifest Manifest
}

// Generate creates a brand new identity using the OS CSPRNG.
func Generate(displayName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	var id NodeID
	copy(id[:], pub)

	caps := make([]Capability, len(defaultCapabilities))
	copy(caps, defaultCapabilities)

	return &Identity{
		secret: priv,
		Manifest: Manifest{
			NodeID:          id,
			DisplayName:     displayName,
			Capabilities:    caps,
			CreatedAtS:      time.Now().Unix(),
			ProtocolVersion: ProtocolVersion,
		},
	}, nil
}

// NodeID returns this identity's node id.
func (i *Identity) NodeID() NodeID { return i.Manifest.NodeID }

// ShortID is the 8-hex-char display form. Logs and UI only.
func (i *Identity) ShortID() string { return i.Manifest.NodeID.Short() }

// PublicKey returns the raw 32-byte Ed25519 public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(i.Manifest.NodeID[:])
}

// Sign signs bytes with the node's private key. Infallible for a valid
// identity; budgeted at tens of microseconds (Ed25519 sign is ~50us on
// commodity hardware).
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.secret, message)
}

// Verify checks a signature against a raw 32-byte public key. It never
// panics on malformed input — a bad pubkey length simply fails to verify.
func Verify(pubkey []byte, message, signature []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), message, signature)
}

// SetDisplayName mutates the manifest's display name. Persist after
// calling this if the change should survive a restart.
func (i *Identity) SetDisplayName(name string) {
	i.Manifest.DisplayName = name
}

// SetCapabilities replaces the advertised capability set.
func (i *Identity) SetCapabilities(caps []Capability) {
	i.Manifest.Capabilities = caps
}

// SetMetadata sets the optional public metadata block.
func (i *Identity) SetMetadata(m *Metadata) {
	i.Manifest.Metadata = m
}

// ---------------------------------------------------------------------
// Persistence: identity.key is 32 raw secret bytes, owner-read/write only.
// ---------------------------------------------------------------------

const keyFilePerm = 0o600

// LoadOrGenerate reads a persisted secret key from path; if the file is
// absent it generates a fresh identity and atomically persists it. A
// malformed existing file is a hard failure — it is never silently
// regenerated, since that would orphan the node's prior mesh identity.
func LoadOrGenerate(path, displayName string) (*Identity, error) {
	secret, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, genErr := Generate(displayName)
		if genErr != nil {
			return nil, genErr
		}
		if err := persistSecret(path, id.secret.Seed()); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	if len(secret) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidLength, path, len(secret), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(secret)
	pub := priv.Public().(ed25519.PublicKey)
	var id NodeID
	copy(id[:], pub)

	caps := make([]Capability, len(defaultCapabilities))
	copy(caps, defaultCapabilities)

	return &Identity{
		secret: priv,
		Manifest: Manifest{
			NodeID:          id,
			DisplayName:     displayName,
			Capabilities:    caps,
			CreatedAtS:      time.Now().Unix(),
			ProtocolVersion: ProtocolVersion,
		},
	}, nil
}

func persistSecret(path string, seed []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, seed, keyFilePerm); err != nil {
		return fmt.Errorf("identity: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("identity: rename %s: %w", tmp, err)
	}
	return nil
}

// Export serializes the identity for interchange (e.g. the mobile
// "mesh identity file") as secret(32) || canonical-json(manifest).
func (i *Identity) Export() ([]byte, error) {
	manifestBytes, err := canonicalManifest(i.Manifest)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, ed25519.SeedSize+len(manifestBytes))
	out = append(out, i.secret.Seed()...)
	out = append(out, manifestBytes...)
	return out, nil
}

// Import parses the Export format, recomputing node_id from the secret
// key and failing with ErrKeyMismatch if the embedded manifest disagrees.
func Import(data []byte) (*Identity, error) {
	if len(data) < ed25519.SeedSize {
		return nil, ErrInvalidLength
	}
	seed := data[:ed25519.SeedSize]
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	var manifest Manifest
	if err := unmarshalManifest(data[ed25519.SeedSize:], &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	var expected NodeID
	copy(expected[:], pub)
	if manifest.NodeID != expected {
		return nil, ErrKeyMismatch
	}

	return &Identity{secret: priv, Manifest: manifest}, nil
}
