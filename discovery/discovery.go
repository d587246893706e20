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

// Package discovery implements peer-finding mechanisms — mDNS for the
// LAN, a static fixture list for fixed deployments — behind a common
// capability set, plus a Manager that merges and caches results from
// whichever mechanisms are registered.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/transport"
)

// Type identifies a discovery mechanism.
type Type string

const (
	TypeLocal     Type = "local"
	TypeMdns      Type = "mdns"
	TypeBluetooth Type = "bluetooth"
	TypeDht       Type = "dht"
	TypeGossip    Type = "gossip"
	TypeStatic    Type = "static"
)

// Node is everything known about a node learned from discovery.
type Node struct {
	NodeID       identity.NodeID
	Manifest     *identity.Manifest
	Addresses    []transport.Address
	LastSeenS    int64
	DiscoveryType Type
	HopCount     uint8
	Metadata     map[string]string
}

// NewNode starts a fresh record for id, stamped with the current time.
func NewNode(id identity.NodeID, dt Type) Node {
	return Node{
		NodeID:        id,
		LastSeenS:     time.Now().Unix(),
		DiscoveryType: dt,
		Metadata:      make(map[string]string),
	}
}

// Touch refreshes LastSeenS to now.
func (n *Node) Touch() {
	n.LastSeenS = time.Now().Unix()
}

// IsStale reports whether n hasn't been seen within maxAgeS seconds.
func (n *Node) IsStale(maxAgeS int64) bool {
	return time.Now().Unix()-n.LastSeenS > maxAgeS
}

// addrKey is the dedup key for an Address: its wire-distinguishing
// fields serialized in a stable, comparable form.
func addrKey(a transport.Address) string {
	b, err := marshalAddress(a)
	if err != nil {
		return ""
	}
	return string(b)
}

// Merge folds other into n, idempotently: newer LastSeenS wins, a
// missing manifest is filled in from other, addresses are unioned by
// canonical form, and metadata keys are first-writer-wins.
func (n *Node) Merge(other Node) {
	if other.LastSeenS > n.LastSeenS {
		n.LastSeenS = other.LastSeenS
	}
	if n.Manifest == nil && other.Manifest != nil {
		m := *other.Manifest
		n.Manifest = &m
	}

	seen := make(map[string]bool, len(n.Addresses))
	for _, a := range n.Addresses {
		seen[addrKey(a)] = true
	}
	for _, a := range other.Addresses {
		k := addrKey(a)
		if !seen[k] {
			n.Addresses = append(n.Addresses, a)
			seen[k] = true
		}
	}

	if n.Metadata == nil {
		n.Metadata = make(map[string]string, len(other.Metadata))
	}
	for k, v := range other.Metadata {
		if _, exists := n.Metadata[k]; !exists {
			n.Metadata[k] = v
		}
	}
}

// Discovery is the capability set every discovery mechanism implements.
type Discovery interface {
	Announce(ctx context.Context, manifest identity.Manifest) error
	Unannounce(ctx context.Context) error
	Discover(ctx context.Context) ([]Node, error)
	Resolve(ctx context.Context, id identity.NodeID) (*Node, error)
	DiscoveryType() Type
	IsAvailable() bool
}

// defaultStaleThresholdS is how long a cached node is trusted before
// Manager.Resolve falls back to asking its mechanisms again.
const defaultStaleThresholdS = 300

// Manager coordinates a set of Discovery mechanisms and maintains a
// merged, cached view of known nodes keyed by node id.
type Manager struct {
	mu               sync.RWMutex
	mechanisms       []Discovery
	known            map[identity.NodeID]Node
	staleThresholdS  int64
}

// NewManager builds a manager with the default 300s staleness window.
func NewManager() *Manager {
	return &Manager{
		known:           make(map[identity.NodeID]Node),
		staleThresholdS: defaultStaleThresholdS,
	}
}

// NewManagerWithStaleThreshold builds a manager with a custom staleness window.
func NewManagerWithStaleThreshold(threshold time.Duration) *Manager {
	m := NewManager()
	m.staleThresholdS = int64(threshold.Seconds())
	return m
}

// Register adds a discovery mechanism.
func (m *Manager) Register(d Discovery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mechanisms = append(m.mechanisms, d)
}

// AnnounceAll announces manifest on every available mechanism,
// returning one error per mechanism attempted (nil entries are success).
func (m *Manager) AnnounceAll(ctx context.Context, manifest identity.Manifest) []error {
	m.mu.RLock()
	mechanisms := append([]Discovery(nil), m.mechanisms...)
	m.mu.RUnlock()

	var errs []error
	for _, d := range mechanisms {
		if d.IsAvailable() {
			errs = append(errs, d.Announce(ctx, manifest))
		}
	}
	return errs
}

// UnannounceAll stops announcing on every mechanism.
func (m *Manager) UnannounceAll(ctx context.Context) []error {
	m.mu.RLock()
	mechanisms := append([]Discovery(nil), m.mechanisms...)
	m.mu.RUnlock()

	var errs []error
	for _, d := range mechanisms {
		errs = append(errs, d.Unannounce(ctx))
	}
	return errs
}

// DiscoverAll runs Discover on every available mechanism, merges the
// results by node id, updates the cache, and returns the merged set.
func (m *Manager) DiscoverAll(ctx context.Context) []Node {
	m.mu.RLock()
	mechanisms := append([]Discovery(nil), m.mechanisms...)
	m.mu.RUnlock()

	merged := make(map[identity.NodeID]Node)
	for _, d := range mechanisms {
		if !d.IsAvailable() {
			continue
		}
		nodes, err := d.Discover(ctx)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			if existing, ok := merged[n.NodeID]; ok {
				existing.Merge(n)
				merged[n.NodeID] = existing
			} else {
				merged[n.NodeID] = n
			}
		}
	}

	m.mu.Lock()
	for id, n := range merged {
		if existing, ok := m.known[id]; ok {
			existing.Merge(n)
			m.known[id] = existing
		} else {
			m.known[id] = n
		}
	}
	m.mu.Unlock()

	out := make([]Node, 0, len(merged))
	for _, n := range merged {
		out = append(out, n)
	}
	return out
}

// Resolve returns node id's addresses, preferring a fresh cache entry
// and otherwise asking every available mechanism in turn.
func (m *Manager) Resolve(ctx context.Context, id identity.NodeID) (*Node, error) {
	m.mu.RLock()
	if n, ok := m.known[id]; ok && !n.IsStale(m.staleThresholdS) {
		m.mu.RUnlock()
		return &n, nil
	}
	mechanisms := append([]Discovery(nil), m.mechanisms...)
	m.mu.RUnlock()

	for _, d := range mechanisms {
		if !d.IsAvailable() {
			continue
		}
		n, err := d.Resolve(ctx, id)
		if err != nil || n == nil {
			continue
		}

		m.mu.Lock()
		if existing, ok := m.known[id]; ok {
			existing.Merge(*n)
			m.known[id] = existing
		} else {
			m.known[id] = *n
		}
		m.mu.Unlock()
		return n, nil
	}
	return nil, nil
}

// KnownNodes returns every cached node, stale or not.
func (m *Manager) KnownNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.known))
	for _, n := range m.known {
		out = append(out, n)
	}
	return out
}

// ActiveNodes returns cached nodes that aren't stale.
func (m *Manager) ActiveNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.known))
	for _, n := range m.known {
		if !n.IsStale(m.staleThresholdS) {
			out = append(out, n)
		}
	}
	return out
}

// CleanupStale drops every stale entry from the cache.
func (m *Manager) CleanupStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.known {
		if n.IsStale(m.staleThresholdS) {
			delete(m.known, id)
		}
	}
}

// AddNode inserts or merges a node learned out-of-band, e.g. from
// gossip or static configuration.
func (m *Manager) AddNode(n Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.known[n.NodeID]; ok {
		existing.Merge(n)
		m.known[n.NodeID] = existing
	} else {
		m.known[n.NodeID] = n
	}
}

// AvailableTypes lists the DiscoveryType of every currently available mechanism.
func (m *Manager) AvailableTypes() []Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Type
	for _, d := range m.mechanisms {
		if d.IsAvailable() {
			out = append(out, d.DiscoveryType())
		}
	}
	return out
}
