// SPDX-License-Identifier: LGPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 30 * time.Second
)

// WebsocketTransport dials and accepts federation connections over
// plain WebSocket, used where QUIC/UDP is blocked (restrictive NATs,
// browser-embedded nodes).
type WebsocketTransport struct {
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
	addr     string
}

// NewWebsocketTransport builds a websocket transport bound to addr for
// Listen and carrying default dial/upgrade timeouts.
func NewWebsocketTransport(addr string) *WebsocketTransport {
	return &WebsocketTransport{
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		addr: addr,
	}
}

func (t *WebsocketTransport) TransportType() Type { return TypeInternet }

func (t *WebsocketTransport) CanHandle(addr Address) bool {
	return addr.Kind == KindTcp
}

func (t *WebsocketTransport) Connect(ctx context.Context, addr Address) (Connection, error) {
	if !t.CanHandle(addr) {
		return nil, ErrUnsupportedAddress
	}
	url := fmt.Sprintf("ws://%s/federation/ws", addr.Tcp.Addr)
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionFailedError{Transport: TypeInternet, Reason: "dial", Err: err}
	}
	return newWsConnection(conn, derivePeerIDFromAddr(addr.Tcp.Addr)), nil
}

// Handler returns an http.Handler suitable for mounting at
// /federation/ws; accepted connections are delivered via the returned
// channel so the caller's listener loop can hand them to Manager.
func (t *WebsocketTransport) Handler(accepted chan<- Connection) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}
		accepted <- newWsConnection(conn, derivePeerIDFromAddr(r.RemoteAddr))
	})
}

func (t *WebsocketTransport) Listen(ctx context.Context) (Listener, error) {
	accepted := make(chan Connection, 16)
	srv := &http.Server{Addr: t.addr, Handler: t.Handler(accepted)}

	ln := &wsListener{srv: srv, accepted: accepted, addr: t.addr}
	go func() { _ = srv.ListenAndServe() }()
	return ln, nil
}

type wsListener struct {
	srv      *http.Server
	accepted chan Connection
	addr     string
}

func (l *wsListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) LocalAddr() Address {
	a := Address{Kind: KindTcp, Route: TypeInternet}
	a.Tcp = &struct {
		Addr string `json:"addr"`
	}{Addr: l.addr}
	return a
}

func (l *wsListener) Close() error { return l.srv.Close() }

type wsConnection struct {
	conn   *websocket.Conn
	peerID identity.NodeID
	mu     sync.Mutex
}

func newWsConnection(conn *websocket.Conn, peerID identity.NodeID) *wsConnection {
	return &wsConnection{conn: conn, peerID: peerID}
}

func (c *wsConnection) Send(ctx context.Context, env message.Envelope) error {
	body, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

func (c *wsConnection) Recv(ctx context.Context) (message.Envelope, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
		return message.Envelope{}, fmt.Errorf("transport: set read deadline: %w", err)
	}
	_, body, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return message.Envelope{}, ErrConnectionClosed
		}
		return message.Envelope{}, fmt.Errorf("transport: websocket read: %w", err)
	}
	if len(body) > MaxFrameSize {
		return message.Envelope{}, fmt.Errorf("%w: message too large (%d bytes)", ErrProtocol, len(body))
	}
	return unmarshalEnvelope(body)
}

func (c *wsConnection) TryRecv(ctx context.Context) (message.Envelope, bool, error) {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return message.Envelope{}, false, err
	}
	env, err := c.Recv(ctx)
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return message.Envelope{}, false, nil
		}
		return message.Envelope{}, false, err
	}
	return env, true, nil
}

func (c *wsConnection) PeerID() identity.NodeID { return c.peerID }
func (c *wsConnection) TransportType() Type     { return TypeInternet }
func (c *wsConnection) Metrics() Metrics        { return Metrics{Encrypted: false} }
func (c *wsConnection) IsAlive() bool           { return true }
func (c *wsConnection) Close() error            { return c.conn.Close() }

func (c *wsConnection) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		return 0, fmt.Errorf("transport: websocket ping: %w", err)
	}
	return time.Since(start), nil
}
