package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the dashboard may be served from another origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream pushes the bus backlog, then live events, as JSON text frames.
// A subscriber dropped by the bus for falling behind is disconnected and
// expected to reconnect and re-read the backlog.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading websocket: %s", err.Error())
		return
	}
	defer conn.Close()

	sub, backlog := a.Events.Subscribe()
	defer a.Events.Unsubscribe(sub)

	// the reader only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for _, evt := range backlog {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
