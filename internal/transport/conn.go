package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal duplex message stream a PeerSession drives. Both the
// dialer and the listener side implement it identically once the
// handshake completes, so PeerSession's state machine doesn't care which
// side originated the connection.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
	RemoteAddr() string
}

// wsConn wraps a gorilla/websocket connection. Writes are serialized with a
// mutex because gorilla/websocket forbids concurrent writers on one
// connection; reads are not (only the session's single read loop calls Recv).
type wsConn struct {
	mu         sync.Mutex
	ws         *websocket.Conn
	remoteAddr string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dial opens a client-side connection to a peer's gossip listener.
func Dial(ctx context.Context, addr string) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/gossip"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &wsConn{ws: ws, remoteAddr: addr}, nil
}

// Accept upgrades an inbound HTTP request to a server-side connection.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return &wsConn{ws: ws, remoteAddr: r.RemoteAddr}, nil
}

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Recv(ctx context.Context) (Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	}
	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.remoteAddr
}
