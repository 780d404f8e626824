package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/fieldledger/go-sync-cache/cache"
)

// WebsocketTransport subscribes to the backend change feed over a websocket
// per entity topic.
type WebsocketTransport struct {
	backend cache.Backend
}

var _ Transport = (*WebsocketTransport)(nil)

// NewWebsocketTransport builds the production transport from the backend
// configuration.
func NewWebsocketTransport(backend cache.Backend) *WebsocketTransport {
	return &WebsocketTransport{backend: backend}
}

// Subscribe implements Transport.
func (t *WebsocketTransport) Subscribe(ctx context.Context, entity, filter string) (Conn, error) {
	u, err := url.Parse(t.backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime"
	q := u.Query()
	q.Set("topic", entity)
	if filter != "" {
		q.Set("filter", filter)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.backend.APIKey)

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, &cache.HTTPError{StatusCode: resp.StatusCode, Message: "websocket dial rejected"}
		}
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "consumer detached")
}
