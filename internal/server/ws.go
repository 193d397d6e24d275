package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerWSRoute(mux *http.ServeMux, hub *Hub, sess Actions) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		// Subscribe before the greeting so no push between the two is lost.
		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		greeting := []any{ConnectionEvent{
			Event:     newEvent("connection", time.Now().UTC()),
			Connected: true,
		}}
		if sess != nil {
			greeting = append(greeting, StateChangedEvent{
				Event:    newEvent("state_changed", time.Now().UTC()),
				Snapshot: sess.Snapshot(),
			})
		}
		for _, event := range greeting {
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case msg := <-ch:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	})
}
