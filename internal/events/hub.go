// Package events broadcasts task progress to connected UI clients over
// websockets. New clients get a replay of every in-flight task so their
// view starts current.
package events

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// ──────────────────── Hub ────────────────────

type Hub struct {
	mu          sync.RWMutex
	clients     map[*client]bool
	activeTasks map[string]json.RawMessage // task_id → last task:update payload
	tasksMu     sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*client]bool),
		activeTasks: make(map[string]json.RawMessage),
	}
}

func (h *Hub) Broadcast(event string, data interface{}) {
	msg, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return
	}

	// Track in-flight task state for new client sync
	if event == "task:update" || strings.HasSuffix(event, ":progress") {
		h.trackTask(event, data, msg)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// trackTask keeps a snapshot of each running task so new clients get
// current state. Progress events are keyed by their entity id; explicit
// task:update events carry their own id and terminal status.
func (h *Hub) trackTask(event string, data interface{}, raw []byte) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return
	}
	key, _ := m["task_id"].(string)
	if key == "" {
		if id, _ := m["media_id"].(string); id != "" {
			key = event + ":" + id
		} else if id, _ := m["source_id"].(string); id != "" {
			key = event + ":" + id
		}
	}
	if key == "" {
		return
	}
	status, _ := m["status"].(string)

	h.tasksMu.Lock()
	defer h.tasksMu.Unlock()
	if status == "complete" || status == "failed" {
		delete(h.activeTasks, key)
	} else {
		h.activeTasks[key] = json.RawMessage(raw)
	}
}

// sendActiveTasks replays current task state to a newly connected client.
func (h *Hub) sendActiveTasks(c *client) {
	h.tasksMu.RLock()
	defer h.tasksMu.RUnlock()
	for _, msg := range h.activeTasks {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────── Handler ────────────────────

// ServeHTTP upgrades the connection and streams events until the client
// goes away. The admin UI in front of this service handles auth.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("events: websocket accept: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.addClient(c)
	h.sendActiveTasks(c)
	log.Printf("events: client connected (%d total)", h.ClientCount())

	ctx := r.Context()

	// Writer goroutine
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for msg := range c.send {
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}()

	// Reader loop keeps the connection alive and handles pings
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.removeClient(c)
	log.Printf("events: client disconnected (%d total)", h.ClientCount())
}
