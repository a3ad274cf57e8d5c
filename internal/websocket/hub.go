package websocket

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection. Writes are serialized per connection.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub tracks the open WebSocket connections of each account.
// An account can have several connections (one per window).
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{}
	maxPerAccount int
	logger        *logrus.Logger
}

// NewHub creates a Hub with a per-account connection limit.
func NewHub(maxPerAccount int, logger *logrus.Logger) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
		logger:        logger,
	}
}

// Register adds a connection for account. Past the limit the new connection
// is closed and nil is returned.
func (h *Hub) Register(account string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[account]
	if !ok {
		accountClients = make(map[*Client]struct{})
		h.clients[account] = accountClients
	}

	if len(accountClients) >= h.maxPerAccount {
		h.logger.WithFields(logrus.Fields{
			"account": account,
			"limit":   h.maxPerAccount,
		}).Warn("Too many WebSocket connections, closing the new one")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	accountClients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(account string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if accountClients, ok := h.clients[account]; ok {
		delete(accountClients, client)
		if len(accountClients) == 0 {
			delete(h.clients, account)
		}
	}
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Send writes msg to every connection of account. Connections that fail are dropped.
func (h *Hub) Send(account string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[account]))
	for client := range h.clients[account] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(msg); err != nil {
			h.logger.WithError(err).WithField("account", account).Warn("Failed to write WebSocket message")
			h.Unregister(account, client)
		}
	}
}

// ActiveConnections returns the number of open connections of account.
func (h *Hub) ActiveConnections(account string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[account])
}

// CloseAll closes every connection. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, accountClients := range clients {
		for client := range accountClients {
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second),
			)
			_ = client.conn.Close()
		}
	}
}
