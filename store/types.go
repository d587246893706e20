// SPDX-License-Identifier: LGPL-3.0-or-later

package store

import (
	"time"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

// StoredMessage is a persisted envelope, keyed by its envelope id.
type StoredMessage struct {
	ID        message.EnvelopeID
	Envelope  message.Envelope
	StoredAtS int64
}

// PeerStatus mirrors a peer's lifecycle state.
type PeerStatus string

const (
	PeerOnline        PeerStatus = "online"
	PeerOffline       PeerStatus = "offline"
	PeerPendingMutual PeerStatus = "pending_mutual"
	PeerRemoved       PeerStatus = "removed"
)

// PeerRecord is the persisted form of a registered peer.
type PeerRecord struct {
	PublicKey      identity.NodeID `json:"public_key"`
	DisplayName    string          `json:"display_name"`
	Endpoint       string          `json:"endpoint"`
	RegisteredAtUs uint64          `json:"registered_at_us"`
	LastSeenAtUs   uint64          `json:"last_seen_at_us"`
	LastSyncedSeq  uint64          `json:"last_synced_seq"`
	InitiatedByUs  bool            `json:"initiated_by_us"`
	Status         PeerStatus      `json:"status"`
}

// PresenceRecord is the latest known presence for a node.
type PresenceRecord struct {
	NodeID    identity.NodeID `json:"node_id"`
	Status    string          `json:"status"`
	Body      string          `json:"body,omitempty"`
	UpdatedAtS int64          `json:"updated_at_s"`
}

// Stats summarizes storage occupancy for the status endpoint.
type Stats struct {
	MessageCount   uint64
	DMCount        uint64
	BroadcastCount uint64
	PeerCount      uint64
	StorageBytes   uint64
	LastCompaction time.Time
}
