package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/deskrelay/deskrelay/internal/auth"
	"github.com/deskrelay/deskrelay/internal/notify"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// EventsHandler pushes dialog events to connected agent sessions over a
// websocket. Each connection subscribes to its tenant's topic; the legacy
// topic name is still accepted from older dashboard builds.
type EventsHandler struct {
	logger   *slog.Logger
	hub      *notify.Hub
	upgrader websocket.Upgrader
}

func NewEventsHandler(log *slog.Logger, hub *notify.Hub) *EventsHandler {
	return &EventsHandler{
		logger: log.With(slog.String("handler", "events")),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token auth happens before the upgrade; browser dashboards
			// connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/events/ws", h.Serve)
}

// Serve godoc
// @Summary Subscribe to dialog events
// @Description Upgrades to a websocket and streams the tenant's events.
// @Tags events
// @Param topic query string false "Topic override, must belong to the caller's tenant"
// @Success 101
// @Failure 403 {object} ErrorResponse
// @Router /events/ws [get]
func (h *EventsHandler) Serve(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	topic := c.QueryParam("topic")
	if topic == "" {
		topic = notify.TenantTopic(claims.TenantID)
	}
	if topic != notify.TenantTopic(claims.TenantID) && topic != notify.LegacyTenantTopic(claims.TenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "topic does not belong to your tenant")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	sub := h.hub.Subscribe(topic)

	h.logger.Debug("subscriber connected",
		slog.String("tenant_id", claims.TenantID),
		slog.String("agent_id", claims.AgentID),
		slog.String("topic", topic))
	go h.writePump(conn, sub)
	h.readPump(conn)
	sub.Close()
	return nil
}

// readPump discards client frames; it exists to notice the disconnect and to
// answer pings.
func (h *EventsHandler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) writePump(conn *websocket.Conn, sub *notify.Subscription) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
