// Package feed pushes live inbox events to connected clinician sessions over
// WebSockets. Every connection is bound to the organization on its token and
// only ever receives that organization's events.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/platform/auth"
)

const (
	EventBatteryCompleted = "battery.completed"
	EventReportReviewed   = "report.reviewed"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Event is one inbox notification. OrgID routes it and never leaves the server.
type Event struct {
	Type            string    `json:"type"`
	OrgID           string    `json:"-"`
	OrderID         string    `json:"order_id"`
	PrimarySeverity string    `json:"primary_severity,omitempty"`
	RedFlags        []string  `json:"red_flags,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher is what domain services depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type Client struct {
	ID     string
	OrgID  string
	UserID string
	Send   chan []byte
}

func NewClient(orgID, userID string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		OrgID:  orgID,
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks connected clients per organization.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.With().Str("component", "feed").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.OrgID] == nil {
		h.clients[c.OrgID] = make(map[*Client]struct{})
	}
	h.clients[c.OrgID][c] = struct{}{}
}

// Unregister removes the client and closes its Send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.OrgID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.OrgID)
	}
	close(c.Send)
}

// Publish fans the event out to the event's organization. Slow clients whose
// buffer is full miss the event rather than blocking the caller.
func (h *Hub) Publish(_ context.Context, event Event) {
	if event.OrgID == "" {
		h.logger.Warn().Str("type", event.Type).Msg("dropping feed event without organization")
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode feed event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[event.OrgID] {
		select {
		case c.Send <- data:
		default:
			h.logger.Warn().Str("client_id", c.ID).Str("type", event.Type).Msg("feed client buffer full")
		}
	}
}

func (h *Hub) ClientCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[orgID])
}

// Handler upgrades authenticated requests to a WebSocket feed.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts browser connections only from allowedOrigins. A "*"
// entry allows any origin; requests without an Origin header are accepted.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/inbox/feed", h.Connect, auth.RequireRole(auth.RoleClinician))
}

func (h *Handler) Connect(c echo.Context) error {
	ctx := c.Request().Context()
	orgID := auth.OrgIDFromContext(ctx)
	if orgID == "" {
		return echo.NewHTTPError(http.StatusForbidden, "organization is required")
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := NewClient(orgID, auth.UserIDFromContext(ctx))
	h.hub.Register(client)
	h.hub.logger.Info().Str("client_id", client.ID).Str("org_id", orgID).Msg("feed client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

// readPump only watches for close and pong frames; clients never send data.
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
