package stream

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/vantagechat/linkcore/fault"
)

// WebsocketTransport dials the streaming endpoint over a websocket.
type WebsocketTransport struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

func (t *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &fault.Error{Kind: fault.Authentication, StatusCode: resp.StatusCode, Message: "stream handshake rejected"}
		}
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, ctx.Err())
		}
		return nil, fault.Wrap(fault.TransientNetwork, err)
	}

	limit := t.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
