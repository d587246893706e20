// SPDX-License-Identifier: LGPL-3.0-or-later

// Package event implements content-addressed signed events: the unit
// of replication between federation peers. An event is opaque bytes
// (the caller's canonical encoding of a message.Envelope) plus the
// signature and content hash that make it independently verifiable.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deepnet-federation/deepnet-core/identity"
)

// VerifyFailReason enumerates why SignedEvent.Verify failed, matching
// the wire-visible taxonomy in spec.md §6.
type VerifyFailReason string

const (
	ReasonNone                 VerifyFailReason = ""
	ReasonContentHashMismatch VerifyFailReason = "content_hash_mismatch"
	ReasonInvalidSignature     VerifyFailReason = "invalid_signature"
)

var (
	// ErrContentHashMismatch means content_id does not equal
	// SHA-256(event_bytes) — the structural integrity check failed.
	ErrContentHashMismatch = errors.New("event: content hash mismatch")
	// ErrInvalidSignature means the structural hash checked out but the
	// signature over event_bytes does not verify under origin_pubkey.
	ErrInvalidSignature = errors.New("event: invalid signature")
)

// ContentID is the SHA-256 content hash of an event's canonical bytes.
type ContentID [32]byte

func (c ContentID) Hex() string { return hex.EncodeToString(c[:]) }

func (c ContentID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Hex())
}

func (c *ContentID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("event: content id: %w", err)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("event: content id: %w", err)
	}
	if len(b) != len(c) {
		return fmt.Errorf("event: content id must be %d bytes, got %d", len(c), len(b))
	}
	copy(c[:], b)
	return nil
}

// ContentHash computes the deterministic content address of bytes.
// Equal inputs always produce equal output; any single-bit change in
// the input flips the output (standard SHA-256 avalanche behaviour).
func ContentHash(b []byte) ContentID {
	return sha256.Sum256(b)
}

// Pubkey is a 32-byte Ed25519 public key, rendered as lowercase hex on
// the wire per spec.md §4.4.
type Pubkey [32]byte

func (p Pubkey) Hex() string { return hex.EncodeToString(p[:]) }

func (p Pubkey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Hex())
}

func (p *Pubkey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("event: pubkey: %w", err)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("event: pubkey: %w", err)
	}
	if len(b) != len(p) {
		return fmt.Errorf("event: pubkey must be %d bytes, got %d", len(p), len(b))
	}
	copy(p[:], b)
	return nil
}

// Signature is a 64-byte Ed25519 signature, rendered as lowercase hex
// on the wire per spec.md §4.4.
type Signature [64]byte

func (s Signature) Hex() string { return hex.EncodeToString(s[:]) }

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Hex())
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("event: signature: %w", err)
	}
	b, err := hex.DecodeString(str)
	if err != nil {
		return fmt.Errorf("event: signature: %w", err)
	}
	if len(b) != len(s) {
		return fmt.Errorf("event: signature must be %d bytes, got %d", len(s), len(b))
	}
	copy(s[:], b)
	return nil
}

// SignedEvent is the replication unit: the originator's canonical
// bytes, their signature over those bytes, the originator's public
// key, and the content hash the originator committed to. Receivers
// must hash exactly the bytes they verified and forward them
// byte-for-byte — re-encoding a payload between receive and forward
// would change content_id and break dedup across the mesh.
type SignedEvent struct {
	EventBytes   []byte    `json:"event_bytes"`
	OriginPubkey Pubkey    `json:"origin_pubkey"`
	Signature    Signature `json:"signature"`
	ContentID    ContentID `json:"content_id"`
}

// Sign builds a SignedEvent from raw bytes authored by id.
func Sign(eventBytes []byte, id *identity.Identity) SignedEvent {
	hash := ContentHash(eventBytes)
	sig := id.Sign(eventBytes)

	var pub Pubkey
	copy(pub[:], id.PublicKey())
	var sigArr Signature
	copy(sigArr[:], sig)

	return SignedEvent{
		EventBytes:   eventBytes,
		OriginPubkey: pub,
		Signature:    sigArr,
		ContentID:    hash,
	}
}

// Verify checks content-hash integrity first (cheap, structural), then
// the cryptographic signature, returning the precise failure reason.
func (e SignedEvent) Verify() (VerifyFailReason, error) {
	if ContentHash(e.EventBytes) != e.ContentID {
		return ReasonContentHashMismatch, ErrContentHashMismatch
	}
	if !identity.Verify(e.OriginPubkey[:], e.EventBytes, e.Signature[:]) {
		return ReasonInvalidSignature, ErrInvalidSignature
	}
	return ReasonNone, nil
}

// OriginPubkeyHex returns the origin key as lowercase hex.
func (e SignedEvent) OriginPubkeyHex() string { return e.OriginPubkey.Hex() }

// SignatureHex returns the signature as lowercase hex.
func (e SignedEvent) SignatureHex() string { return e.Signature.Hex() }

// ContentIDHex returns the content hash as lowercase hex.
func (e SignedEvent) ContentIDHex() string { return e.ContentID.Hex() }

// ParsePubkeyHex decodes a 32-byte hex public key.
func ParsePubkeyHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("event: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("event: pubkey must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
