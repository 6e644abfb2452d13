package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"

	"github.com/deskrelay/deskrelay/internal/transport"
	"github.com/deskrelay/deskrelay/internal/transport/telegram"
)

type ingester interface {
	Ingest(ctx context.Context, tenantBotID string, upd transport.Update) error
}

// WebhookHandler receives Telegram webhook callbacks for bots running in
// webhook mode.
type WebhookHandler struct {
	logger   *slog.Logger
	pipeline ingester
}

func NewWebhookHandler(log *slog.Logger, pipeline ingester) *WebhookHandler {
	return &WebhookHandler{
		logger:   log.With(slog.String("handler", "telegram_webhook")),
		pipeline: pipeline,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/telegram/webhook/:tenant_bot_id", h.HandleTelegram)
}

// HandleTelegram godoc
// @Summary Telegram bot webhook
// @Description Receives update callbacks from the Telegram Bot API
// @Tags webhook
// @Param tenant_bot_id path string true "Tenant bot ID"
// @Success 200 {object} map[string]string
// @Router /telegram/webhook/{tenant_bot_id} [post]
func (h *WebhookHandler) HandleTelegram(c echo.Context) error {
	// Telegram retries on any non-2xx response. Internal failures are logged
	// and the callback is acknowledged regardless.
	tenantBotID := strings.TrimSpace(c.Param("tenant_bot_id"))
	if tenantBotID == "" {
		return h.ack(c)
	}

	var raw tgbotapi.Update
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		h.logger.Warn("undecodable webhook payload",
			slog.String("tenant_bot_id", tenantBotID),
			slog.Any("error", err))
		return h.ack(c)
	}

	upd, ok := telegram.NormalizeUpdate(raw)
	if !ok {
		return h.ack(c)
	}
	if err := h.pipeline.Ingest(c.Request().Context(), tenantBotID, upd); err != nil {
		h.logger.Error("webhook ingest failed",
			slog.String("tenant_bot_id", tenantBotID),
			slog.String("remote_message_id", upd.RemoteMessageID),
			slog.Any("error", err))
	}
	return h.ack(c)
}

func (h *WebhookHandler) ack(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
