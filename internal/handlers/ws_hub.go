package handlers

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	clientID  string
	closeOnce sync.Once
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *wsClient) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// WSHub tracks the open websocket connections of each user. A user may hold
// several at once, one per tab or device.
type WSHub struct {
	mu    sync.Mutex
	users map[string]map[string]*wsClient // userID -> clientID -> client
}

func NewWSHub() *WSHub {
	return &WSHub{
		users: make(map[string]map[string]*wsClient),
	}
}

func (h *WSHub) Add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.users[client.userID]
	if !ok {
		clients = make(map[string]*wsClient)
		h.users[client.userID] = clients
	}
	clients[client.clientID] = client
}

func (h *WSHub) Remove(userID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.users[userID]
	if !ok {
		return
	}
	if client, exists := clients[clientID]; exists {
		client.closeSend()
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(h.users, userID)
	}
}

// SendToUser queues payload on every connection of userID and returns how
// many accepted it. A connection whose buffer is full is closed.
func (h *WSHub) SendToUser(userID string, payload []byte) int {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.users[userID]))
	for _, client := range h.users[userID] {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	delivered := 0
	for _, client := range clients {
		if !client.trySend(payload) {
			client.closeConn()
			continue
		}
		delivered++
	}
	return delivered
}

func (h *WSHub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

// CloseAll drops every connection, used on shutdown.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	users := h.users
	h.users = make(map[string]map[string]*wsClient)
	h.mu.Unlock()

	for _, clients := range users {
		for _, client := range clients {
			client.closeConn()
			client.closeSend()
		}
	}
}
