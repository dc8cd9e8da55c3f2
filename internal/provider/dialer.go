package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/TexteaInc/y-socket.io/internal/domain"
	"github.com/TexteaInc/y-socket.io/internal/protocol"
)

// WebsocketDialer connects to the relay server's websocket endpoint with the
// room name and client identifier as handshake parameters.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, serverURL string, roomName domain.RoomName, clientID domain.ClientID) (Conn, error) {
		u, err := url.Parse(serverURL)
		if err != nil {
			return nil, fmt.Errorf("parse server url: %w", err)
		}
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		if !strings.HasSuffix(u.Path, "/api/ws/yjs") {
			u = u.JoinPath("api", "ws", "yjs")
		}
		q := u.Query()
		q.Set("room", string(roomName))
		q.Set("clientId", clientID.String())
		u.RawQuery = q.Encode()

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.String(), err)
		}
		return &wsClientConn{ws: ws}, nil
	}
}

type wsClientConn struct {
	ws *websocket.Conn
	// gorilla allows one concurrent writer; the provider writes from
	// several handlers
	writeMu sync.Mutex
}

func (c *wsClientConn) Read() (protocol.Message, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// a malformed frame is dropped, not fatal
			continue
		}
		return msg, nil
	}
}

func (c *wsClientConn) Write(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClientConn) Close() error {
	return c.ws.Close()
}
