// SPDX-License-Identifier: LGPL-3.0-or-later

// Package message defines the typed payloads carried in a federation
// envelope and the data-layer/TTL rules that govern how far an
// envelope is allowed to travel.
package message

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
)

// EnvelopeID is an envelope's 128-bit random id. It renders as lowercase
// hex on the wire, mirroring event.SignedEvent's hex fields, rather
// than encoding/json's default array-of-ints for a fixed-size array.
type EnvelopeID [16]byte

// Hex returns the lowercase hex encoding of the id.
func (id EnvelopeID) Hex() string { return hex.EncodeToString(id[:]) }

func (id EnvelopeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

func (id *EnvelopeID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("message: envelope id: %w", err)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("message: envelope id: %w", err)
	}
	if len(b) != len(id) {
		return fmt.Errorf("message: envelope id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return nil
}

// DataLayer classifies how widely an envelope may propagate.
type DataLayer string

const (
	// Private never leaves the originating node.
	Private DataLayer = "private"
	// Shared is pulled explicitly between peers, never gossiped.
	Shared DataLayer = "shared"
	// Federated is gossiped transitively across the mesh.
	Federated DataLayer = "federated"
)

// DefaultTTL returns the hop budget a freshly constructed envelope
// receives for layer, absent an explicit override.
func DefaultTTL(layer DataLayer) uint8 {
	switch layer {
	case Private:
		return 0
	case Shared:
		return 1
	case Federated:
		return 3
	default:
		return 0
	}
}

// PayloadKind tags which variant a Payload holds.
type PayloadKind string

const (
	KindPresence     PayloadKind = "presence"
	KindBroadcast    PayloadKind = "broadcast"
	KindNodeAnnounce PayloadKind = "node_announce"
	KindDirectMessage PayloadKind = "direct_message"
	KindTeamUpdate   PayloadKind = "team_update"
	KindSyncRequest  PayloadKind = "sync_request"
	KindSyncResponse PayloadKind = "sync_response"
	KindPing         PayloadKind = "ping"
	KindPong         PayloadKind = "pong"
	KindAck          PayloadKind = "ack"
)

// Presence announces a node's liveness/status string (e.g. "online",
// "away"). Body is free-form and interpreted by applications.
type Presence struct {
	Status string `json:"status"`
	Body   string `json:"body,omitempty"`
}

// Broadcast is a channel-scoped fan-out message.
type Broadcast struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

// NodeAnnounce carries a node's manifest to newly discovered peers.
type NodeAnnounce struct {
	Manifest identity.Manifest `json:"manifest"`
}

// DirectMessage is a 1:1 message, optionally encrypted end-to-end and
// optionally threaded.
type DirectMessage struct {
	To        identity.NodeID `json:"to"`
	Body      string          `json:"body"`
	Encrypted bool            `json:"encrypted"`
	ThreadID  *string         `json:"thread_id,omitempty"`
}

// TeamUpdate carries membership or metadata changes for a team/group.
type TeamUpdate struct {
	TeamID string `json:"team_id"`
	Body   string `json:"body"`
}

// SyncRequest asks a peer for everything the sender hasn't seen since
// the given vector clock (see sync.Engine.WhatsNewSince).
type SyncRequest struct {
	Since clock.VectorClock `json:"since"`
	Limit uint32            `json:"limit,omitempty"`
}

// SyncResponse carries a batch of signed events answering a SyncRequest.
type SyncResponse struct {
	EventBytes [][]byte `json:"event_bytes"`
	HasMore    bool     `json:"has_more"`
}

// Ping/Pong are liveness probes correlated by a random nonce.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

type Pong struct {
	Nonce uint64 `json:"nonce"`
}

// Ack acknowledges receipt of a specific message id.
type Ack struct {
	MessageID EnvelopeID `json:"message_id"`
}

// Payload is the envelope body sum type. Exactly one field is set,
// matching Kind.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	Presence      *Presence      `json:"presence,omitempty"`
	Broadcast     *Broadcast     `json:"broadcast,omitempty"`
	NodeAnnounce  *NodeAnnounce  `json:"node_announce,omitempty"`
	DirectMessage *DirectMessage `json:"direct_message,omitempty"`
	TeamUpdate    *TeamUpdate    `json:"team_update,omitempty"`
	SyncRequest   *SyncRequest   `json:"sync_request,omitempty"`
	SyncResponse  *SyncResponse  `json:"sync_response,omitempty"`
	Ping          *Ping          `json:"ping,omitempty"`
	Pong          *Pong          `json:"pong,omitempty"`
	Ack           *Ack           `json:"ack,omitempty"`
}

func PresencePayload(p Presence) Payload           { return Payload{Kind: KindPresence, Presence: &p} }
func BroadcastPayload(b Broadcast) Payload         { return Payload{Kind: KindBroadcast, Broadcast: &b} }
func NodeAnnouncePayload(n NodeAnnounce) Payload   { return Payload{Kind: KindNodeAnnounce, NodeAnnounce: &n} }
func DirectMessagePayload(d DirectMessage) Payload { return Payload{Kind: KindDirectMessage, DirectMessage: &d} }
func TeamUpdatePayload(tu TeamUpdate) Payload       { return Payload{Kind: KindTeamUpdate, TeamUpdate: &tu} }
func SyncRequestPayload(sr SyncRequest) Payload     { return Payload{Kind: KindSyncRequest, SyncRequest: &sr} }
func SyncResponsePayload(sr SyncResponse) Payload   { return Payload{Kind: KindSyncResponse, SyncResponse: &sr} }
func PingPayload(nonce uint64) Payload              { return Payload{Kind: KindPing, Ping: &Ping{Nonce: nonce}} }
func PongPayload(nonce uint64) Payload              { return Payload{Kind: KindPong, Pong: &Pong{Nonce: nonce}} }
func AckPayload(id EnvelopeID) Payload              { return Payload{Kind: KindAck, Ack: &Ack{MessageID: id}} }

// Envelope is the outer record carried over the wire: identity,
// causal metadata, routing layer/TTL, and the typed payload.
type Envelope struct {
	ID        EnvelopeID        `json:"id"`
	Origin    identity.NodeID   `json:"origin"`
	Clock     clock.VectorClock `json:"clock"`
	Layer     DataLayer         `json:"layer"`
	TTL       uint8             `json:"ttl"`
	TimestampS uint64            `json:"timestamp"`
	Payload   Payload           `json:"payload"`
	Signature []byte            `json:"signature,omitempty"`
}

// newID draws a random 128-bit envelope id.
func newID() (EnvelopeID, error) {
	var id EnvelopeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("message: generate envelope id: %w", err)
	}
	return id, nil
}

// New constructs an envelope with layer's default TTL. Callers in the
// sync engine are expected to overwrite Clock from the live HLC/vector
// clock state before signing and sending; constructing an envelope
// here never touches a clock directly.
func New(origin identity.NodeID, layer DataLayer, timestampS uint64, payload Payload) (Envelope, error) {
	id, err := newID()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:         id,
		Origin:     origin,
		Layer:      layer,
		TTL:        DefaultTTL(layer),
		TimestampS: timestampS,
		Payload:    payload,
	}, nil
}

// WithTTL overrides the envelope's hop budget.
func (e Envelope) WithTTL(ttl uint8) Envelope {
	e.TTL = ttl
	return e
}

// DecrementTTL decrements TTL by one in place, returning false (and
// leaving state unchanged) if TTL was already 0.
func (e *Envelope) DecrementTTL() bool {
	if e.TTL == 0 {
		return false
	}
	e.TTL--
	return true
}

// ShouldForward reports whether this envelope is eligible for another
// gossip hop: nonzero TTL on a Federated-layer envelope.
func (e Envelope) ShouldForward() bool {
	return e.TTL > 0 && e.Layer == Federated
}
