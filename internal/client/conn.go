package client

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/DoyleJ11/planning-poker/internal/types"
)

// Conn is one event channel to the server.
type Conn interface {
	Read(ctx context.Context) (types.ServerMessage, error)
	Write(ctx context.Context, m types.ClientMessage) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer connects to a server's /ws endpoint, e.g. "ws://localhost:8080/ws".
type WSDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return wsConn{c}, nil
}

type wsConn struct{ c *websocket.Conn }

func (w wsConn) Read(ctx context.Context) (types.ServerMessage, error) {
	var m types.ServerMessage
	err := wsjson.Read(ctx, w.c, &m)
	return m, err
}

func (w wsConn) Write(ctx context.Context, m types.ClientMessage) error {
	return wsjson.Write(ctx, w.c, m)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
