package walletlink

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// readLimit caps a single inbound frame. Relay messages are small JSON
// objects; metadata snapshots are the largest.
const readLimit = 1024 * 1024

// wsConn abstracts the WebSocket connection so the transport can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens one physical connection to url.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

// dialWebSocket is the production dialFunc.
func dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}
