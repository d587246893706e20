// SPDX-License-Identifier: LGPL-3.0-or-later

package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

func TestWebsocketTransportSendRecvLoopback(t *testing.T) {
	tr := NewWebsocketTransport("")
	accepted := make(chan Connection, 1)
	srv := httptest.NewServer(tr.Handler(accepted))
	defer srv.Close()

	wsAddr := strings.TrimPrefix(srv.URL, "http://")
	clientAddr := Address{Kind: KindTcp, Route: TypeInternet}
	clientAddr.Tcp = &struct {
		Addr string `json:"addr"`
	}{Addr: wsAddr}

	clientConn, err := tr.Connect(context.Background(), clientAddr)
	require.NoError(t, err)
	defer clientConn.Close()

	var serverConn Connection
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	env, err := message.New(identity.NodeID{}, message.Federated, 1, message.PingPayload(99))
	require.NoError(t, err)

	require.NoError(t, clientConn.Send(context.Background(), env))

	got, err := serverConn.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.EqualValues(t, 99, got.Payload.Ping.Nonce)
}

func TestWebsocketTransportRejectsNonTcpAddress(t *testing.T) {
	tr := NewWebsocketTransport("")
	_, err := tr.Connect(context.Background(), Address{Kind: KindBluetooth})
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
}
