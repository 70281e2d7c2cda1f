package ws

import (
	"encoding/json"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/events"
)

// StreamPullJob upgrades the request and relays one pull job's progress until
// the job reaches a terminal phase or the peer disconnects. The subscription
// channel is closed by the orchestrator on the terminal event.
func StreamPullJob(c *gin.Context, sub <-chan events.PullStatus, cancel func()) {
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade pull stream connection: %v", err)
		return
	}
	defer conn.Close()

	// Reader goroutine: its only job is noticing the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(envelope{Type: "image_pull", Payload: ev})
			if err != nil {
				log.Printf("Failed to marshal pull event: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
