package transport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// wsReadLimit caps one inbound frame. Push-channel payloads are small
// JSON documents; attachments travel over REST.
const wsReadLimit = 1 << 20

// WebsocketDialer is the production Dialer backed by coder/websocket.
type WebsocketDialer struct{}

// NewWebsocketDialer returns the production dialer.
func NewWebsocketDialer() WebsocketDialer { return WebsocketDialer{} }

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	c.SetReadLimit(wsReadLimit)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "client closed")
}
