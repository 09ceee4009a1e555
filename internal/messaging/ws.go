// Package messaging pushes escrow events to buyers and sellers over websockets.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sudo-init-do/crafthub-escrow/internal/apperr"
	"github.com/sudo-init-do/crafthub-escrow/internal/events"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
)

const writeWait = 5 * time.Second

type wsEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

type room struct {
	clients map[*client]bool
	mu      sync.RWMutex
}

// Hub keeps one room per escrow account. It is an events.Publisher.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	log   *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{rooms: make(map[string]*room), log: log}
}

// register adds c under h.mu so a concurrent unregister cannot drop the room in between.
func (h *Hub) register(accountID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[accountID]
	if !ok {
		r = &room{clients: make(map[*client]bool)}
		h.rooms[accountID] = r
	}
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
}

func (h *Hub) unregister(accountID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[accountID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, accountID)
	}
}

// Publish broadcasts ev to everyone watching its account. Slow or closed sockets are dropped
// by their read loop, not here.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	h.mu.RLock()
	r, ok := h.rooms[ev.AccountID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	payload, err := json.Marshal(wsEvent{Type: ev.Type, Data: ev})
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if err := c.write(payload); err != nil {
			h.log.Debug("messaging: push failed", "module", "messaging", "account_id", ev.AccountID, "error", err)
		}
	}
	return nil
}

// Watchers reports how many sockets follow an account.
func (h *Hub) Watchers(accountID string) int {
	h.mu.RLock()
	r, ok := h.rooms[accountID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Projector reads the account snapshot sent when a socket joins.
type Projector interface {
	GetAccountProjection(ctx context.Context, accountID string) (orchestrator.AccountProjection, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stream - websocket for realtime updates on an escrow account
func (h *Hub) Stream(p Projector) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := c.Get("user_id").(string)
		if !ok || userID == "" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		}
		accountID := c.Param("id")
		if accountID == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing account id"})
		}

		proj, err := p.GetAccountProjection(c.Request().Context(), accountID)
		if err != nil {
			return apperr.Respond(c, err)
		}
		role, _ := c.Get("role").(string)
		if userID != proj.Account.BuyerID && userID != proj.Account.SellerID && !privileged(role) {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "not a participant in this escrow"})
		}

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		cl := &client{conn: ws}
		h.register(accountID, cl)
		defer func() {
			h.unregister(accountID, cl)
			_ = ws.Close()
		}()

		snapshot, err := json.Marshal(wsEvent{Type: "escrow.snapshot", Data: proj})
		if err != nil {
			return err
		}
		if err := cl.write(snapshot); err != nil {
			return nil
		}

		// Server push only; client frames are discarded.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					h.log.Debug("messaging: socket closed", "module", "messaging", "account_id", accountID, "error", err)
				}
				return nil
			}
		}
	}
}

func privileged(role string) bool {
	return role == orchestrator.RoleArbitrator || role == orchestrator.RoleAdmin
}
