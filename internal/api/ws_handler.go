package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/imap"
	ws "github.com/ssabro/MailVista-sub002/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for mailbox change pushes.
type WebSocketHandler struct {
	svc      imap.MailService
	hub      *ws.Hub
	accounts Accounts
	logger   *logrus.Logger
	mu       sync.Mutex
	idle     map[string]*idleListener
	wg       sync.WaitGroup
}

type idleListener struct {
	cancel context.CancelFunc
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(svc imap.MailService, hub *ws.Hub, accounts Accounts, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		svc:      svc,
		hub:      hub,
		accounts: accounts,
		logger:   orDiscard(logger),
		idle:     make(map[string]*idleListener),
	}
}

var wsUpgrader = websocket.Upgrader{
	// The API only listens locally and is guarded by the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and registers it with the hub. The first
// connection of an account starts its IDLE listener and refreshes INBOX so
// mail that arrived while nobody listened is picked up.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	account, ok := RequireAccount(w, r, h.accounts)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("account", account).Warn("WebSocket upgrade failed")
		return
	}

	isFirst := h.hub.ActiveConnections(account) == 0
	client := h.hub.Register(account, conn)
	if client == nil {
		return
	}
	h.logger.WithField("account", account).Debug("WebSocket connected")

	h.ensureIdleListener(account)
	if isFirst {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if _, err := h.svc.ListPage(context.Background(), account, "INBOX", imap.PageOptions{Start: 1}); err != nil {
				h.logger.WithError(err).WithField("account", account).Warn("Failed to refresh INBOX on connect")
			}
		}()
	}

	go h.readLoop(account, client)
}

// ensureIdleListener starts an IDLE listener for account unless one is running.
func (h *WebSocketHandler) ensureIdleListener(account string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.idle[account]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	listener := &idleListener{cancel: cancel}
	h.idle[account] = listener

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.svc.StartIdleListener(ctx, account, h.hub)

		h.mu.Lock()
		if h.idle[account] == listener {
			delete(h.idle, account)
		}
		h.mu.Unlock()
	}()
}

// readLoop blocks until the client goes away, then stops the IDLE listener if
// it was the account's last connection.
func (h *WebSocketHandler) readLoop(account string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(account, client)

	if h.hub.ActiveConnections(account) == 0 {
		h.mu.Lock()
		if listener, exists := h.idle[account]; exists {
			listener.cancel()
			delete(h.idle, account)
		}
		h.mu.Unlock()
		h.logger.WithField("account", account).Debug("Last WebSocket closed, IDLE listener stopped")
	}
}

// Shutdown stops every IDLE listener and waits for background work to finish.
func (h *WebSocketHandler) Shutdown() {
	h.mu.Lock()
	for account, listener := range h.idle {
		listener.cancel()
		delete(h.idle, account)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
