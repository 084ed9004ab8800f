package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials a collaboration endpoint over a websocket.
// The project is passed as a query parameter so one endpoint serves
// every project room.
type WebSocketDialer struct {
	// BaseURL is the endpoint, e.g. "wss://host/collab".
	BaseURL string
	// Header carries authentication headers, if any.
	Header http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, project string) (Conn, error) {
	u := fmt.Sprintf("%s?project=%s", d.BaseURL, url.QueryEscape(project))
	c, _, err := websocket.DefaultDialer.DialContext(ctx, u, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	mu   sync.Mutex // gorilla allows at most one concurrent writer
	conn *websocket.Conn
}

func (w *wsConn) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (w *wsConn) Receive() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.mu.Unlock()
	return w.conn.Close()
}
