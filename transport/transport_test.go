// SPDX-License-Identifier: LGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	env, err := message.New(identity.NodeID{}, message.Federated, 1, message.PingPayload(9))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
}

func TestReadFrameCleanEOFIsConnectionClosed(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // declares ~4GiB body
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

// --- fake transport for manager tests ---------------------------------

type fakeConn struct{ transportType Type }

func (f *fakeConn) Send(ctx context.Context, env message.Envelope) error { return nil }
func (f *fakeConn) Recv(ctx context.Context) (message.Envelope, error) {
	return message.Envelope{}, ErrConnectionClosed
}
func (f *fakeConn) TryRecv(ctx context.Context) (message.Envelope, bool, error) {
	return message.Envelope{}, false, nil
}
func (f *fakeConn) PeerID() identity.NodeID     { return identity.NodeID{} }
func (f *fakeConn) TransportType() Type         { return f.transportType }
func (f *fakeConn) Metrics() Metrics            { return Metrics{} }
func (f *fakeConn) IsAlive() bool               { return true }
func (f *fakeConn) Close() error                { return nil }
func (f *fakeConn) Ping(ctx context.Context) (time.Duration, error) { return 0, nil }

type fakeTransport struct {
	t       Type
	fail    bool
	calls   *int
}

func (f *fakeTransport) Connect(ctx context.Context, addr Address) (Connection, error) {
	*f.calls++
	if f.fail {
		return nil, &ConnectionFailedError{Transport: f.t, Reason: "simulated", Err: errors.New("no route")}
	}
	return &fakeConn{transportType: f.t}, nil
}
func (f *fakeTransport) Listen(ctx context.Context) (Listener, error) { return nil, ErrNotSupportedHere }
func (f *fakeTransport) TransportType() Type                         { return f.t }
func (f *fakeTransport) CanHandle(addr Address) bool                 { return addr.TransportType() == f.t }

var ErrNotSupportedHere = errors.New("not supported in test fake")

func TestConnectBestTriesPriorityOrder(t *testing.T) {
	m := NewManager()
	var lanCalls, internetCalls int
	m.Register(&fakeTransport{t: TypeLan, calls: &lanCalls})
	m.Register(&fakeTransport{t: TypeInternet, calls: &internetCalls})

	addrs := []Address{
		{Kind: KindTcp, Route: TypeInternet},
		{Kind: KindTcp, Route: TypeLan},
	}

	conn, err := m.ConnectBest(context.Background(), addrs)
	require.NoError(t, err)
	assert.Equal(t, TypeLan, conn.TransportType())
	assert.Equal(t, 1, lanCalls)
	assert.Equal(t, 0, internetCalls, "higher-priority Lan succeeding must short-circuit Internet")
}

func TestConnectBestFallsBackOnFailure(t *testing.T) {
	m := NewManager()
	m.Register(&fakeTransport{t: TypeLan, fail: true, calls: new(int)})
	m.Register(&fakeTransport{t: TypeInternet, calls: new(int)})

	addrs := []Address{
		{Kind: KindTcp, Route: TypeLan},
		{Kind: KindTcp, Route: TypeInternet},
	}

	conn, err := m.ConnectBest(context.Background(), addrs)
	require.NoError(t, err)
	assert.Equal(t, TypeInternet, conn.TransportType())
}

func TestConnectBestUnsupportedAddress(t *testing.T) {
	m := NewManager()
	_, err := m.ConnectBest(context.Background(), []Address{{Kind: KindBluetooth, Route: TypeBluetooth}})
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
}
