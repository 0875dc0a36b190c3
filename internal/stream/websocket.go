package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"autoppm/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WireUpdate is the JSON frame sent to websocket clients. Metrics are left
// to the Prometheus endpoint.
type WireUpdate struct {
	Topic     string                    `json:"topic"`
	Cycle     uint64                    `json:"cycle"`
	Timestamp time.Time                 `json:"timestamp"`
	Portfolio *models.PortfolioSnapshot `json:"portfolio,omitempty"`
	Position  *models.Position          `json:"position,omitempty"`
}

func toWire(u Update) WireUpdate {
	return WireUpdate{
		Topic:     u.Topic,
		Cycle:     u.Cycle,
		Timestamp: u.Timestamp,
		Portfolio: u.Portfolio,
		Position:  u.Position,
	}
}

// WebsocketHandler streams hub updates to websocket clients. The topic
// query parameter selects the subscription and defaults to every topic.
func WebsocketHandler(h *Hub, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			topic = TopicAll
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		updates := h.SubscribeWithID(topic, r.RemoteAddr)
		defer h.Unsubscribe(topic, updates)

		// The read loop only services control frames and notices the close.
		closed := make(chan struct{})
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case u, ok := <-updates:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub stopped"))
					return
				}
				if err := conn.WriteJSON(toWire(u)); err != nil {
					logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket client gone")
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
