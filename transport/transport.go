// SPDX-License-Identifier: LGPL-3.0-or-later

// Package transport defines the capability-set abstraction every
// concrete wire protocol (QUIC, WebSocket) implements, the shared
// framing format used on top of any byte stream, and a manager that
// picks the best available transport for a set of candidate
// addresses.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

// Type identifies a concrete transport/address family.
type Type string

const (
	TypeLocal      Type = "local"
	TypeLan        Type = "lan"
	TypeWifiDirect Type = "wifi_direct"
	TypeInternet   Type = "internet"
	TypeBluetooth  Type = "bluetooth"
	TypeRelay      Type = "relay"
)

// priorityOrder is connect_best's try order, most to least preferred.
var priorityOrder = []Type{TypeLocal, TypeLan, TypeWifiDirect, TypeInternet, TypeBluetooth, TypeRelay}

// Kind tags which union member an Address holds.
type Kind string

const (
	KindLocal      Kind = "local"
	KindTcp        Kind = "tcp"
	KindQuic       Kind = "quic"
	KindBluetooth  Kind = "bluetooth"
	KindWifiDirect Kind = "wifi_direct"
	KindRelay      Kind = "relay"
)

// Address is the transport-tagged union describing how to reach a
// peer. Exactly one field matching Kind is populated. Route records
// which registered Transport dials this address: for Tcp/Quic it is
// caller-supplied (Lan vs Internet, decided by the address's
// origin — same-subnet discovery vs a public relay/rendezvous), for
// every other Kind it is implied by Kind itself.
type Address struct {
	Kind  Kind `json:"kind"`
	Route Type `json:"route"`

	Local *struct {
		Path string `json:"path"`
	} `json:"local,omitempty"`

	Tcp *struct {
		Addr string `json:"addr"`
	} `json:"tcp,omitempty"`

	Quic *struct {
		Addr       string `json:"addr"`
		ServerName string `json:"server_name,omitempty"`
	} `json:"quic,omitempty"`

	Bluetooth *struct {
		DeviceID    string `json:"device_id"`
		ServiceUUID string `json:"service_uuid"`
	} `json:"bluetooth,omitempty"`

	WifiDirect *struct {
		GroupOwner string `json:"group_owner"`
		Passphrase string `json:"passphrase,omitempty"`
	} `json:"wifi_direct,omitempty"`

	Relay *struct {
		RelayNode  identity.NodeID `json:"relay_node"`
		TargetNode identity.NodeID `json:"target_node"`
	} `json:"relay,omitempty"`
}

// TransportType returns the routing priority class used by
// Manager.ConnectBest, falling back to Kind-implied defaults for
// non-Tcp/Quic addresses regardless of what the caller set in Route.
func (a Address) TransportType() Type {
	switch a.Kind {
	case KindLocal:
		return TypeLocal
	case KindBluetooth:
		return TypeBluetooth
	case KindWifiDirect:
		return TypeWifiDirect
	case KindRelay:
		return TypeRelay
	case KindTcp, KindQuic:
		if a.Route == TypeLan || a.Route == TypeInternet {
			return a.Route
		}
		return TypeInternet
	default:
		return a.Route
	}
}

// Metrics describes a live connection's observed quality.
type Metrics struct {
	LatencyMs     uint32
	BandwidthTier string
	PacketLossPct float32
	Encrypted     bool
	Hops          uint8
}

// Errors returned across the transport abstraction.
var (
	ErrUnsupportedAddress = errors.New("transport: unsupported address")
	ErrConnectionClosed   = errors.New("transport: connection closed")
	ErrProtocol           = errors.New("transport: protocol error")
)

// ConnectionFailedError wraps a transport-specific dial failure.
type ConnectionFailedError struct {
	Transport Type
	Reason    string
	Err       error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("transport: %s connect failed: %s: %v", e.Transport, e.Reason, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// Connection is a single logical stream of envelopes to/from one peer.
type Connection interface {
	Send(ctx context.Context, env message.Envelope) error
	// Recv blocks for the next envelope. Returns ErrConnectionClosed on
	// clean EOF.
	Recv(ctx context.Context) (message.Envelope, error)
	// TryRecv is the non-blocking variant: ok is false when nothing is
	// immediately available.
	TryRecv(ctx context.Context) (env message.Envelope, ok bool, err error)

	PeerID() identity.NodeID
	TransportType() Type
	Metrics() Metrics

	IsAlive() bool
	Close() error
	Ping(ctx context.Context) (rtt time.Duration, err error)
}

// Listener accepts inbound connections for one transport.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	LocalAddr() Address
	Close() error
}

// Transport is a capability set a concrete wire protocol implements.
type Transport interface {
	Connect(ctx context.Context, addr Address) (Connection, error)
	Listen(ctx context.Context) (Listener, error)
	TransportType() Type
	CanHandle(addr Address) bool
}

// MaxFrameSize is the largest frame a receiver will accept before
// treating the stream as protocol-violating and closing it.
const MaxFrameSize = 10 << 20 // 10 MiB

// WriteFrame writes one envelope as a length-prefixed frame:
// u32 big-endian length || canonical JSON envelope bytes.
func WriteFrame(w io.Writer, env message.Envelope) error {
	body, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrProtocol, err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: message too large (%d bytes)", ErrProtocol, len(body))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes its envelope.
// Returns ErrConnectionClosed on a clean EOF at a frame boundary, and
// ErrProtocol("message too large") for an oversized declared length —
// callers must close the stream on the latter.
func ReadFrame(r io.Reader) (message.Envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return message.Envelope{}, ErrConnectionClosed
		}
		return message.Envelope{}, fmt.Errorf("%w: read frame header: %v", ErrProtocol, err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return message.Envelope{}, fmt.Errorf("%w: message too large (%d bytes)", ErrProtocol, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return message.Envelope{}, fmt.Errorf("%w: read frame body: %v", ErrProtocol, err)
	}

	env, err := unmarshalEnvelope(body)
	if err != nil {
		return message.Envelope{}, fmt.Errorf("%w: unmarshal envelope: %v", ErrProtocol, err)
	}
	return env, nil
}

// Manager tries a set of candidate addresses against registered
// transports in priority order and returns the first live connection.
type Manager struct {
	transports map[Type]Transport
}

// NewManager builds a manager with no transports registered.
func NewManager() *Manager {
	return &Manager{transports: make(map[Type]Transport)}
}

// Register adds (or replaces) the transport handling t's Type.
func (m *Manager) Register(t Transport) {
	m.transports[t.TransportType()] = t
}

// ConnectBest tries addresses in the fixed priority order Local < Lan
// < WifiDirect < Internet < Bluetooth < Relay, returning the first
// successful connection or the last error encountered if every
// candidate fails. Returns ErrUnsupportedAddress if no registered
// transport can handle any candidate.
func (m *Manager) ConnectBest(ctx context.Context, addrs []Address) (Connection, error) {
	byType := make(map[Type][]Address, len(addrs))
	for _, a := range addrs {
		byType[a.TransportType()] = append(byType[a.TransportType()], a)
	}

	var lastErr error
	attempted := false

	for _, pType := range priorityOrder {
		for _, addr := range byType[pType] {
			tr, ok := m.transports[pType]
			if !ok || !tr.CanHandle(addr) {
				continue
			}
			attempted = true
			conn, err := tr.Connect(ctx, addr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
	}

	if !attempted {
		return nil, ErrUnsupportedAddress
	}
	return nil, lastErr
}
