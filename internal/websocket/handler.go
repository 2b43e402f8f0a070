package websocket

import (
	"encoding/json"
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket returns an HTTP handler that upgrades connections to
// WebSocket and runs them as Hub clients. If current is not nil, its message
// is sent to the new client before any broadcast.
func HandleWebSocket(hub *Hub, current func() Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // local control surface, any origin
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn)
		if current != nil {
			if data, err := json.Marshal(current()); err == nil {
				client.send <- data
			}
		}
		client.Run(r.Context())
	}
}
