// SPDX-License-Identifier: LGPL-3.0-or-later

package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/transport"
)

func testNodeID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func TestNodeMergeUnionsAddressesAndFillsMissingManifest(t *testing.T) {
	id := testNodeID(1)
	a := NewNode(id, TypeStatic)
	a.Metadata["k"] = "v1"
	addrA := transport.Address{Kind: transport.KindTcp, Route: transport.TypeLan}
	addrA.Tcp = &struct {
		Addr string `json:"addr"`
	}{Addr: "10.0.0.1:1"}
	a.Addresses = append(a.Addresses, addrA)

	b := NewNode(id, TypeMdns)
	b.Metadata["k"] = "v2"
	b.Metadata["other"] = "v3"
	addrB := transport.Address{Kind: transport.KindTcp, Route: transport.TypeLan}
	addrB.Tcp = &struct {
		Addr string `json:"addr"`
	}{Addr: "10.0.0.2:2"}
	b.Addresses = append(b.Addresses, addrB)
	manifest := identity.Manifest{NodeID: id, DisplayName: "bob"}
	b.Manifest = &manifest

	a.Merge(b)

	assert.Len(t, a.Addresses, 2)
	assert.Equal(t, "v1", a.Metadata["k"], "first-writer-wins on metadata key collisions")
	assert.Equal(t, "v3", a.Metadata["other"])
	require.NotNil(t, a.Manifest)
	assert.Equal(t, "bob", a.Manifest.DisplayName)
}

func TestNodeMergeAddressDedup(t *testing.T) {
	id := testNodeID(2)
	a := NewNode(id, TypeStatic)
	addr := transport.Address{Kind: transport.KindTcp, Route: transport.TypeLan}
	addr.Tcp = &struct {
		Addr string `json:"addr"`
	}{Addr: "10.0.0.1:1"}
	a.Addresses = append(a.Addresses, addr)

	b := NewNode(id, TypeStatic)
	b.Addresses = append(b.Addresses, addr)

	a.Merge(b)
	assert.Len(t, a.Addresses, 1)
}

func TestNodeIsStale(t *testing.T) {
	n := NewNode(testNodeID(3), TypeStatic)
	n.LastSeenS = time.Now().Add(-10 * time.Minute).Unix()
	assert.True(t, n.IsStale(300))
	n.Touch()
	assert.False(t, n.IsStale(300))
}

func TestStaticDiscoveryAnnounceIsNoopAlwaysAvailable(t *testing.T) {
	d := NewStaticDiscovery()
	assert.True(t, d.IsAvailable())
	assert.NoError(t, d.Announce(context.Background(), identity.Manifest{}))
	assert.Equal(t, TypeStatic, d.DiscoveryType())
}

func TestStaticDiscoveryResolveAndDiscover(t *testing.T) {
	id := testNodeID(4)
	n := NewNode(id, TypeStatic)
	d := NewStaticDiscovery(n)

	found, err := d.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id, found.NodeID)

	missing, err := d.Resolve(context.Background(), testNodeID(99))
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

type fakeDiscovery struct {
	dt           Type
	available    bool
	nodes        []Node
	resolveCalls int
}

func (f *fakeDiscovery) Announce(ctx context.Context, m identity.Manifest) error { return nil }
func (f *fakeDiscovery) Unannounce(ctx context.Context) error                   { return nil }
func (f *fakeDiscovery) Discover(ctx context.Context) ([]Node, error)            { return f.nodes, nil }
func (f *fakeDiscovery) Resolve(ctx context.Context, id identity.NodeID) (*Node, error) {
	f.resolveCalls++
	for _, n := range f.nodes {
		if n.NodeID == id {
			return &n, nil
		}
	}
	return nil, nil
}
func (f *fakeDiscovery) DiscoveryType() Type { return f.dt }
func (f *fakeDiscovery) IsAvailable() bool   { return f.available }

func TestManagerDiscoverAllMergesAcrossMechanisms(t *testing.T) {
	id := testNodeID(5)
	m := NewManager()
	m.Register(&fakeDiscovery{dt: TypeStatic, available: true, nodes: []Node{NewNode(id, TypeStatic)}})
	m.Register(&fakeDiscovery{dt: TypeMdns, available: true, nodes: []Node{NewNode(id, TypeMdns)}})
	m.Register(&fakeDiscovery{dt: TypeDht, available: false, nodes: []Node{NewNode(testNodeID(9), TypeDht)}})

	merged := m.DiscoverAll(context.Background())
	require.Len(t, merged, 1, "unavailable mechanism's node must not appear")
	assert.Equal(t, id, merged[0].NodeID)

	known := m.KnownNodes()
	assert.Len(t, known, 1)
}

func TestManagerResolveUsesCacheWhenFresh(t *testing.T) {
	id := testNodeID(6)
	fake := &fakeDiscovery{dt: TypeStatic, available: true, nodes: nil}
	m := NewManager()
	m.Register(fake)
	m.AddNode(NewNode(id, TypeStatic))

	n, err := m.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, 0, fake.resolveCalls, "cache hit should not need to call any mechanism")
}

func TestManagerResolveFallsThroughToMechanismOnMiss(t *testing.T) {
	id := testNodeID(7)
	m := NewManager()
	m.Register(&fakeDiscovery{dt: TypeStatic, available: true, nodes: []Node{NewNode(id, TypeStatic)}})

	n, err := m.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, id, n.NodeID)
}

func TestManagerCleanupStaleAndActiveNodes(t *testing.T) {
	m := NewManagerWithStaleThreshold(1 * time.Second)
	fresh := NewNode(testNodeID(10), TypeStatic)
	stale := NewNode(testNodeID(11), TypeStatic)
	stale.LastSeenS = time.Now().Add(-time.Hour).Unix()

	m.AddNode(fresh)
	m.AddNode(stale)

	active := m.ActiveNodes()
	assert.Len(t, active, 1)
	assert.Equal(t, fresh.NodeID, active[0].NodeID)

	m.CleanupStale()
	assert.Len(t, m.KnownNodes(), 1)
}

func TestManagerAvailableTypes(t *testing.T) {
	m := NewManager()
	m.Register(&fakeDiscovery{dt: TypeStatic, available: true})
	m.Register(&fakeDiscovery{dt: TypeMdns, available: false})

	types := m.AvailableTypes()
	assert.Equal(t, []Type{TypeStatic}, types)
}
