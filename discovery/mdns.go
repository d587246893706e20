// SPDX-License-Identifier: LGPL-3.0-or-later

package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	hmdns "github.com/hashicorp/mdns"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/internal/logger"
	"github.com/deepnet-federation/deepnet-core/transport"
)

const (
	mdnsServiceType  = "_deepnet._tcp"
	mdnsDomain       = "local."
	mdnsQueryTimeout = 2 * time.Second
)

// MdnsDiscovery advertises and discovers peers on the local network
// via multicast DNS, service type "_deepnet._tcp.local.".
type MdnsDiscovery struct {
	nodeID identity.NodeID
	port   int

	mu     sync.Mutex
	server *hmdns.Server
}

// NewMdnsDiscovery builds an mDNS mechanism that will advertise on port
// when Announce is called.
func NewMdnsDiscovery(nodeID identity.NodeID, port int) *MdnsDiscovery {
	return &MdnsDiscovery{nodeID: nodeID, port: port}
}

func (d *MdnsDiscovery) instanceName() string {
	return fmt.Sprintf("deepnet-%s", d.nodeID.Short())
}

// Announce registers a multicast DNS service advertising this node's
// id, display name, and protocol version as TXT records.
func (d *MdnsDiscovery) Announce(ctx context.Context, manifest identity.Manifest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.server != nil {
		if err := d.server.Shutdown(); err != nil {
			logger.Warn("mdns: shutdown previous service before re-announce", logger.Error(err))
		}
		d.server = nil
	}

	txt := []string{
		"node_id=" + d.nodeID.Hex(),
		"name=" + manifest.DisplayName,
		fmt.Sprintf("version=%d", manifest.ProtocolVersion),
	}

	host, err := os.Hostname()
	if err != nil {
		host = d.instanceName()
	}

	svc, err := hmdns.NewMDNSService(d.instanceName(), mdnsServiceType, mdnsDomain, host+".", d.port, nil, txt)
	if err != nil {
		return fmt.Errorf("discovery: build mdns service: %w", err)
	}

	server, err := hmdns.NewServer(&hmdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("discovery: start mdns server: %w", err)
	}
	d.server = server
	return nil
}

// Unannounce shuts down the mDNS server, if running.
func (d *MdnsDiscovery) Unannounce(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return nil
	}
	err := d.server.Shutdown()
	d.server = nil
	if err != nil {
		return fmt.Errorf("discovery: shutdown mdns server: %w", err)
	}
	return nil
}

// Discover runs a single mDNS query round and returns every resolved
// service entry as a Node with TransportType Lan addresses.
func (d *MdnsDiscovery) Discover(ctx context.Context) ([]Node, error) {
	entriesCh := make(chan *hmdns.ServiceEntry, 32)
	done := make(chan struct{})
	var nodes []Node

	go func() {
		defer close(done)
		for entry := range entriesCh {
			n, ok := nodeFromEntry(entry)
			if ok {
				nodes = append(nodes, n)
			}
		}
	}()

	params := &hmdns.QueryParam{
		Service: mdnsServiceType,
		Domain:  strings.TrimSuffix(mdnsDomain, "."),
		Timeout: mdnsQueryTimeout,
		Entries: entriesCh,
	}
	if err := hmdns.Query(params); err != nil {
		close(entriesCh)
		<-done
		return nil, fmt.Errorf("discovery: mdns query: %w", err)
	}
	close(entriesCh)
	<-done
	return nodes, nil
}

// Resolve issues a discover round and looks for a matching node id;
// mDNS has no targeted unicast lookup by node id, so this is a scan.
func (d *MdnsDiscovery) Resolve(ctx context.Context, id identity.NodeID) (*Node, error) {
	nodes, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.NodeID == id {
			return &n, nil
		}
	}
	return nil, nil
}

func (d *MdnsDiscovery) DiscoveryType() Type { return TypeMdns }

func (d *MdnsDiscovery) IsAvailable() bool { return true }

// nodeFromEntry decodes an mDNS service entry's TXT records into a
// Node carrying Lan-routed Tcp addresses for every resolved IP.
func nodeFromEntry(entry *hmdns.ServiceEntry) (Node, bool) {
	fields := make(map[string]string, len(entry.InfoFields))
	for _, f := range entry.InfoFields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}

	hexID, ok := fields["node_id"]
	if !ok {
		return Node{}, false
	}
	nodeID, err := identity.NodeIDFromHex(hexID)
	if err != nil {
		return Node{}, false
	}

	n := NewNode(nodeID, TypeMdns)
	if name, ok := fields["name"]; ok {
		n.Metadata["display_name"] = name
	}

	port := strconv.Itoa(entry.Port)
	for _, ip := range []net.IP{entry.AddrV4, entry.AddrV6} {
		if ip == nil {
			continue
		}
		addr := transport.Address{Kind: transport.KindTcp, Route: transport.TypeLan}
		addr.Tcp = &struct {
			Addr string `json:"addr"`
		}{Addr: net.JoinHostPort(ip.String(), port)}
		n.Addresses = append(n.Addresses, addr)
	}
	return n, true
}
