package introspection

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hamicek/nexus/event"
	"github.com/hamicek/nexus/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The introspection surface is mounted behind the embedding
	// application's own routing and auth; origin policy belongs there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEvent is the JSON shape a lifecycle event takes on the socket.
type wsEvent struct {
	Kind         string         `json:"kind"`
	ServerId     string         `json:"serverId,omitempty"`
	SupervisorId string         `json:"supervisorId,omitempty"`
	NodeId       string         `json:"nodeId,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// eventsHandler upgrades the connection and streams lifecycle events until
// the client goes away. Slow clients miss events rather than blocking the
// publisher; the subscription mailbox is bounded.
func eventsHandler(bus *event.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := bus.Subscribe(256)
		defer sub.Unsubscribe()

		// Drain client frames so close/ping-pong bookkeeping works.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pinger := time.NewTicker(wsPingInterval)
		defer pinger.Stop()

		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				out := wsEvent{
					Kind:         string(ev.Kind),
					ServerId:     ev.ServerId,
					SupervisorId: ev.SupervisorId,
					NodeId:       ev.NodeId,
					Extra:        ev.Extra,
				}
				if ev.Reason != nil {
					out.Reason = ev.Reason.Error()
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(out); err != nil {
					logging.Debug().Err(err).Msg("introspection: websocket write failed")
					return
				}
			case <-pinger.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
