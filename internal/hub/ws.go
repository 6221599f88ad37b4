package hub

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsTransport adapts a nhooyr websocket connection to the Transport
// interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadEnvelope(ctx context.Context) (*Envelope, error) {
	var env Envelope
	if err := wsjson.Read(ctx, t.conn, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (t *wsTransport) WriteEnvelope(ctx context.Context, out Outbound) error {
	return wsjson.Write(ctx, t.conn, out)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}

// ServeHTTP upgrades the request and hands the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		// Browser clients connect cross-origin during development.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	h.HandleConn(r.Context(), &wsTransport{conn: conn})
}
