// Package realtime pushes run and step lifecycle events to subscribed
// WebSocket clients. It implements executor.Broadcaster over a hub/room
// model: one room per run ("run:<runID>") and one per workflow
// ("workflow:<workflowID>"), so a dashboard can watch either a single run or
// every run of a workflow.
package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a single WebSocket connection and the rooms it has joined.
type Client struct {
	ID            string
	OrgID         string
	Conn          *websocket.Conn
	Hub           *Hub
	Send          chan []byte
	Subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub fans event messages out to every client subscribed to a room.
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	Register   chan *Client
	Unregister chan *Client

	broadcast chan *roomMessage

	mu     sync.RWMutex
	logger *slog.Logger
}

type roomMessage struct {
	room    string
	message []byte
}

// NewHub constructs an idle Hub; call Run in its own goroutine to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broadcast:  make(chan *roomMessage, 256),
		logger:     logger,
	}
}

// Run processes register/unregister/broadcast events until ctx-less
// shutdown; callers stop it by exiting the process, matching the teacher's
// fire-and-forget hub lifecycle.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case msg := <-h.broadcast:
			h.broadcastToRoom(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Info("realtime client registered", "client_id", client.ID, "org_id", client.OrgID)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[client.ID]; !exists {
		return
	}
	delete(h.clients, client.ID)

	client.mu.RLock()
	for room := range client.Subscriptions {
		if clients, exists := h.rooms[room]; exists {
			delete(clients, client.ID)
			if len(clients) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	client.mu.RUnlock()

	close(client.Send)
	h.logger.Info("realtime client unregistered", "client_id", client.ID)
}

// SubscribeClient joins a client to a room.
func (h *Hub) SubscribeClient(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	client.Subscriptions[room] = true
	if _, exists := h.rooms[room]; !exists {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][client.ID] = client
}

// broadcastRoom queues message for delivery to every client subscribed to
// room. It blocks only while the hub's broadcast queue is full; at delivery,
// a client with a full send buffer is skipped rather than stalling the hub's
// single goroutine.
func (h *Hub) broadcastRoom(room string, message []byte) {
	h.broadcast <- &roomMessage{room: room, message: message}
}

func (h *Hub) broadcastToRoom(msg *roomMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, exists := h.rooms[msg.room]
	if !exists {
		return
	}
	for _, client := range clients {
		select {
		case client.Send <- msg.message:
		default:
			h.logger.Warn("realtime client send buffer full, dropping message", "client_id", client.ID, "room", msg.room)
		}
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// ReadPump drains and discards inbound frames (clients only subscribe via
// query params at connect time) so pongs keep the read deadline alive.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			break
		}
	}
}

// WritePump delivers queued messages and pings to the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
