// SPDX-License-Identifier: LGPL-3.0-or-later

// Package store defines the persistence boundary for a federation
// node: identities, events, direct messages, broadcasts, presence,
// peers, clock state, and a free-form KV namespace. All operations
// take a context and must be safe for concurrent use; the memory
// subpackage provides the in-process implementation tests run
// against, while bolt and postgres subpackages provide durable
// single-node and multi-node-capable backends.
package store

import (
	"context"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

// IdentityStore persists the node's own long-lived identity.
type IdentityStore interface {
	StoreIdentity(ctx context.Context, manifest identity.Manifest) error
	LoadIdentity(ctx context.Context) (identity.Manifest, error)
}

// MessageStore persists envelopes across all data layers.
type MessageStore interface {
	StoreMessage(ctx context.Context, msg StoredMessage) error
	GetMessage(ctx context.Context, id message.EnvelopeID) (StoredMessage, error)
	// GetMessagesSince returns items for layer ordered by timestamp
	// ascending, keeping those whose clock does not happen-before
	// since — i.e. items not already known as of since.
	GetMessagesSince(ctx context.Context, layer message.DataLayer, since clock.VectorClock, limit int) ([]StoredMessage, error)
	DeleteMessage(ctx context.Context, id message.EnvelopeID) error
}

// DMStore provides direct-message specific views over MessageStore data.
type DMStore interface {
	GetDMsWith(ctx context.Context, peer identity.NodeID, limit int) ([]StoredMessage, error)
	GetRecentDMs(ctx context.Context, limit int) ([]StoredMessage, error)
	GetUnreadDMCount(ctx context.Context, peer identity.NodeID) (int, error)
	// MarkDMsRead records a read watermark for peer; subsequent unread
	// counts for that peer honor the watermark.
	MarkDMsRead(ctx context.Context, peer identity.NodeID) error
}

// BroadcastStore provides channel-scoped views over MessageStore data.
type BroadcastStore interface {
	// GetBroadcasts returns broadcasts newest-first. A nil channel
	// means all channels.
	GetBroadcasts(ctx context.Context, channel *string, limit int) ([]StoredMessage, error)
}

// PresenceStore tracks the latest presence per node.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, p PresenceRecord) error
	GetAllPresences(ctx context.Context) ([]PresenceRecord, error)
}

// PeerStore persists peer registry records.
type PeerStore interface {
	UpsertPeer(ctx context.Context, p PeerRecord) error
	GetPeer(ctx context.Context, nodeID identity.NodeID) (PeerRecord, error)
	ListPeers(ctx context.Context) ([]PeerRecord, error)
	DeletePeer(ctx context.Context, nodeID identity.NodeID) error
}

// ClockStore persists the local HLC/vector-clock state across restarts.
type ClockStore interface {
	StoreClock(ctx context.Context, hlc clock.HlcTimestamp, vc clock.VectorClock) error
	LoadClock(ctx context.Context) (clock.HlcTimestamp, clock.VectorClock, error)
}

// KVStore is a free-form namespace for application and component
// metadata that doesn't warrant its own typed table.
type KVStore interface {
	KVSet(ctx context.Context, namespace, key string, value []byte) error
	KVGet(ctx context.Context, namespace, key string) ([]byte, error)
	KVDelete(ctx context.Context, namespace, key string) error
}

// MaintenanceStore exposes housekeeping and introspection operations.
type MaintenanceStore interface {
	Compact(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
}

// Store combines every persistence concern a federation node needs.
// Implementations embed the sub-interfaces directly rather than
// returning them from accessor methods, since every backend here
// shares one physical connection/lock domain.
type Store interface {
	IdentityStore
	MessageStore
	DMStore
	BroadcastStore
	PresenceStore
	PeerStore
	ClockStore
	KVStore
	MaintenanceStore

	// Close releases backend resources (connections, file handles).
	Close() error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
