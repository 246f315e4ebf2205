package router

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established stream to a router. Every read and write carries
// a mandatory timeout.
type Conn interface {
	ReadEnvelope(timeout time.Duration) (*EnvelopeDown, error)
	WriteEnvelope(env *EnvelopeUp, timeout time.Duration) error
	Ping(timeout time.Duration) error
	Close() error
}

// Dialer establishes router connections. Swapped for a double in tests.
type Dialer interface {
	Dial(ctx context.Context, uri string) (Conn, error)
}

// WebsocketDialer dials routers over websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, uri string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}
	c := &wsConn{ws: ws}
	ws.SetPongHandler(func(string) error {
		// Keepalive traffic counts as liveness; push the read deadline out.
		return ws.SetReadDeadline(time.Now().Add(c.lastReadTimeout))
	})
	return c, nil
}

type wsConn struct {
	ws              *websocket.Conn
	lastReadTimeout time.Duration
}

func (c *wsConn) ReadEnvelope(timeout time.Duration) (*EnvelopeDown, error) {
	c.lastReadTimeout = timeout
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var env EnvelopeDown
	if err := c.ws.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) WriteEnvelope(env *EnvelopeUp, timeout time.Duration) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Ping(timeout time.Duration) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
