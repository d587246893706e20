// SPDX-License-Identifier: LGPL-3.0-or-later

package discovery

import (
	"context"
	"sync"

	"github.com/deepnet-federation/deepnet-core/identity"
)

// StaticDiscovery is a fixed, manually configured list of nodes. It
// never fails to announce (the call is a no-op) and is always
// available — useful for bootstrap nodes or fixed deployments without
// LAN multicast.
type StaticDiscovery struct {
	mu    sync.RWMutex
	fixed map[identity.NodeID]Node
}

// NewStaticDiscovery builds a static mechanism seeded with fixture nodes.
func NewStaticDiscovery(nodes ...Node) *StaticDiscovery {
	fixed := make(map[identity.NodeID]Node, len(nodes))
	for _, n := range nodes {
		fixed[n.NodeID] = n
	}
	return &StaticDiscovery{fixed: fixed}
}

// AddFixture adds or replaces a fixed node entry.
func (d *StaticDiscovery) AddFixture(n Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fixed[n.NodeID] = n
}

func (d *StaticDiscovery) Announce(ctx context.Context, manifest identity.Manifest) error {
	return nil
}

func (d *StaticDiscovery) Unannounce(ctx context.Context) error {
	return nil
}

func (d *StaticDiscovery) Discover(ctx context.Context) ([]Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Node, 0, len(d.fixed))
	for _, n := range d.fixed {
		out = append(out, n)
	}
	return out, nil
}

func (d *StaticDiscovery) Resolve(ctx context.Context, id identity.NodeID) (*Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.fixed[id]; ok {
		return &n, nil
	}
	return nil, nil
}

func (d *StaticDiscovery) DiscoveryType() Type { return TypeStatic }

func (d *StaticDiscovery) IsAvailable() bool { return true }
