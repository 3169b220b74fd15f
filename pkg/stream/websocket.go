package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketFactory opens push channels over WebSocket. The handshake is a
// GET, so these channels never negotiate REPORT.
type WebSocketFactory struct {
	dialer *websocket.Dialer
}

// NewWebSocketFactory returns a factory using dialer, or a default dialer
// with a 45 second handshake timeout when nil.
func NewWebSocketFactory(dialer *websocket.Dialer) *WebSocketFactory {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	}
	return &WebSocketFactory{dialer: dialer}
}

// SupportsMethod implements Factory.
func (f *WebSocketFactory) SupportsMethod() bool {
	return false
}

// Open implements Factory. http and https URLs map to ws and wss.
func (f *WebSocketFactory) Open(ctx context.Context, req Request) (Conn, error) {
	conn, _, err := f.dialer.DialContext(ctx, websocketURL(req.URL), req.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

func websocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

type wsConn struct {
	conn *websocket.Conn
}

// Next returns each text or binary frame as a "message" event.
func (c *wsConn) Next() (Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return Message{Event: "message", Data: data}, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
