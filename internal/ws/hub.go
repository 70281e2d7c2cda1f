package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/events"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced by the CORS layer in front of the upgrade.
		return true
	},
}

// staffAudience receives every event; user audiences only their own sessions.
const staffAudience = "staff"

const (
	// writeWait bounds a single websocket write so a stalled peer cannot
	// wedge its writer goroutine forever.
	writeWait = 10 * time.Second
	// sendQueueSize is how many pending pushes a client may buffer before it
	// is treated as a slow consumer and dropped.
	sendQueueSize = 64
)

// client owns one connection. All writes go through the send queue and the
// writePump goroutine, gorilla allows only one concurrent writer per
// connection and publishers must never block on a slow peer.
type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, sendQueueSize)}
}

// writePump drains the send queue onto the connection. It exits when the
// queue is closed or a write fails, closing the connection either way so the
// read loop unregisters the client.
func (c *client) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("Failed to push websocket message: %v", err)
			break
		}
	}
	c.conn.Close()
}

// queue hands a message to the writer without ever blocking the caller. A
// client with a full queue is a slow consumer and gets disconnected.
func (c *client) queue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Println("Dropping slow websocket client")
		c.closed = true
		close(c.send)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub pushes session and pull status updates to connected browsers. It
// implements events.Publisher so the lifecycle manager and pull orchestrator
// can feed it directly.
type Hub struct {
	mu        sync.RWMutex
	audiences map[string][]*client
}

func NewHub() *Hub {
	return &Hub{audiences: make(map[string][]*client)}
}

// HandleConnection upgrades the request and parks it until the peer goes
// away. Staff principals additionally join the staff audience and see all
// sessions and pull jobs.
func (h *Hub) HandleConnection(c *gin.Context, principal session.Principal) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade websocket connection: %v", err)
		return
	}

	cl := newClient(conn)
	go cl.writePump()

	audiences := []string{userAudience(principal.UserID)}
	if principal.IsTeacher() {
		audiences = append(audiences, staffAudience)
	}

	for _, a := range audiences {
		h.register(a, cl)
	}
	defer func() {
		for _, a := range audiences {
			h.unregister(a, cl)
		}
		cl.close()
		conn.Close()
	}()

	// Drain until close; clients never send anything meaningful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(audience string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audiences[audience] = append(h.audiences[audience], cl)
}

func (h *Hub) unregister(audience string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.audiences[audience]
	for i, c := range clients {
		if c == cl {
			h.audiences[audience] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.audiences[audience]) == 0 {
		delete(h.audiences, audience)
	}
}

// PublishSessionStatus implements events.Publisher.
func (h *Hub) PublishSessionStatus(_ context.Context, ev events.SessionStatus) {
	h.broadcast([]string{userAudience(ev.UserID), staffAudience}, envelope{
		Type:    "session_status",
		Payload: ev,
	})
}

// PublishPullStatus implements events.Publisher. Pull jobs are a staff
// concern, students never see them.
func (h *Hub) PublishPullStatus(_ context.Context, ev events.PullStatus) {
	h.broadcast([]string{staffAudience}, envelope{
		Type:    "image_pull",
		Payload: ev,
	})
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (h *Hub) broadcast(audiences []string, msg envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal websocket message: %v", err)
		return
	}

	seen := make(map[*client]bool)
	h.mu.RLock()
	var targets []*client
	for _, a := range audiences {
		for _, cl := range h.audiences[a] {
			if !seen[cl] {
				seen[cl] = true
				targets = append(targets, cl)
			}
		}
	}
	h.mu.RUnlock()

	for _, cl := range targets {
		cl.queue(data)
	}
}

func userAudience(userID string) string {
	return "user:" + userID
}
