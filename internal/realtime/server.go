package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bridge serves browsers on other origins; auth lives upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serializes frame writes; gorilla permits one concurrent
// writer per connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

// Handler upgrades HTTP requests into fan-out subscriptions: frames
// from the hub stream out, control frames ({method, params?}) are
// answered inline, ping frames get pongs.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("ws upgrade failed")
			return
		}
		client := h.Subscribe()
		defer client.Close()
		defer conn.Close()
		writer := &wsWriter{conn: conn}

		// Reader: control frames. Closing the client unblocks the
		// writer loop below.
		go func() {
			defer client.Close()
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if response := h.HandleControl(client, raw); response != nil {
					if err = writer.write(response); err != nil {
						return
					}
				}
			}
		}()

		// Writer: hub frames until disconnect.
		for frame := range client.Recv() {
			if err := writer.write(frame); err != nil {
				return
			}
		}
	})
}
