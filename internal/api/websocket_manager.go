package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the CORS layer in front
	},
}

type Client struct {
	ID     uuid.UUID
	Conn   *websocket.Conn
	Send   chan []byte
	UserID uuid.UUID
}

// WebSocketManager tracks the live clients of each user and pushes network
// activity events to them. A user may hold several connections at once
// (multiple tabs, devices).
type WebSocketManager struct {
	register    chan *Client
	unregister  chan *Client
	userClients map[uuid.UUID]map[*Client]bool
	mu          sync.RWMutex
	logger      *zap.Logger
}

func NewWebSocketManager(logger *zap.Logger) *WebSocketManager {
	return &WebSocketManager{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		userClients: make(map[uuid.UUID]map[*Client]bool),
		logger:      logger,
	}
}

func (m *WebSocketManager) Run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			if _, ok := m.userClients[client.UserID]; !ok {
				m.userClients[client.UserID] = make(map[*Client]bool)
			}
			m.userClients[client.UserID][client] = true
			m.mu.Unlock()
			m.logger.Debug("websocket client registered", zap.String("user_id", client.UserID.String()))

		case client := <-m.unregister:
			m.mu.Lock()
			if clients, ok := m.userClients[client.UserID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					if len(clients) == 0 {
						delete(m.userClients, client.UserID)
					}
					close(client.Send)
					m.logger.Debug("websocket client unregistered", zap.String("user_id", client.UserID.String()))
				}
			}
			m.mu.Unlock()
		}
	}
}

// WSEvent is the wire envelope of a pushed event.
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NotifyUser pushes an activity event to every live client of the user.
// Implements domain.ActivityNotifier.
func (m *WebSocketManager) NotifyUser(userID uuid.UUID, payload interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients, ok := m.userClients[userID]
	if !ok {
		return
	}

	msg, err := json.Marshal(WSEvent{Type: "network_activity", Payload: payload})
	if err != nil {
		m.logger.Error("failed to marshal websocket event", zap.Error(err))
		return
	}

	for client := range clients {
		select {
		case client.Send <- msg:
		default:
			// Slow client; drop the event rather than block the caller.
		}
	}
}

func (c *Client) ReadPump(manager *WebSocketManager) {
	defer func() {
		manager.unregister <- c
		c.Conn.Close()
	}()

	// Events flow server->client only; reads just detect disconnects.
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) WritePump() {
	defer c.Conn.Close()

	for message := range c.Send {
		w, err := c.Conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)

		// Flush any queued events into the same frame.
		n := len(c.Send)
		for i := 0; i < n; i++ {
			w.Write(<-c.Send)
		}

		if err := w.Close(); err != nil {
			return
		}
	}
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}
