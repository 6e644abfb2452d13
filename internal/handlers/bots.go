package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/deskrelay/deskrelay/internal/auth"
	"github.com/deskrelay/deskrelay/internal/bot"
	"github.com/deskrelay/deskrelay/internal/transport"
)

// BotsHandler manages the tenant's bot roster.
type BotsHandler struct {
	logger  *slog.Logger
	service *bot.Service
}

func NewBotsHandler(log *slog.Logger, service *bot.Service) *BotsHandler {
	return &BotsHandler{
		logger:  log.With(slog.String("handler", "bots")),
		service: service,
	}
}

func (h *BotsHandler) Register(e *echo.Echo) {
	group := e.Group("/bots")
	group.GET("", h.List)
	group.GET("/status", h.Statuses)
	group.GET("/:id", h.Get)
	group.PUT("/:id", h.Upsert)
	group.PUT("/:id/enabled", h.SetEnabled)
	group.DELETE("/:id", h.Delete)
}

type upsertBotRequest struct {
	Token string `json:"token"`
	Mode  string `json:"mode"`
}

// List godoc
// @Summary List registered bots
// @Tags bots
// @Success 200 {array} bot.TenantBot
// @Router /bots [get]
func (h *BotsHandler) List(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.service.List(c.Request().Context(), claims.TenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// Statuses godoc
// @Summary List live bot session statuses
// @Tags bots
// @Success 200 {array} bot.Status
// @Router /bots/status [get]
func (h *BotsHandler) Statuses(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.service.Statuses(claims.TenantID))
}

// Get godoc
// @Summary Get one bot
// @Tags bots
// @Param id path string true "Bot ID"
// @Success 200 {object} bot.TenantBot
// @Failure 404 {object} ErrorResponse
// @Router /bots/{id} [get]
func (h *BotsHandler) Get(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	b, err := h.service.Get(c.Request().Context(), claims.TenantID, c.Param("id"))
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// Upsert godoc
// @Summary Register or update a bot
// @Description Connects a bot token and brings the session online. The token
// @Description is validated against the platform before anything is stored.
// @Tags bots
// @Param id path string true "Bot ID"
// @Param payload body upsertBotRequest true "Bot registration payload"
// @Success 200 {object} bot.TenantBot
// @Failure 422 {object} ErrorResponse
// @Router /bots/{id} [put]
func (h *BotsHandler) Upsert(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req upsertBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.service.Register(c.Request().Context(), bot.UpsertRequest{
		ID:       c.Param("id"),
		TenantID: claims.TenantID,
		Token:    req.Token,
		Mode:     bot.Mode(req.Mode),
	})
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEnabled godoc
// @Summary Pause or resume a bot
// @Tags bots
// @Param id path string true "Bot ID"
// @Param payload body setEnabledRequest true "Enabled flag"
// @Success 200 {object} bot.TenantBot
// @Failure 404 {object} ErrorResponse
// @Router /bots/{id}/enabled [put]
func (h *BotsHandler) SetEnabled(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req setEnabledRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.service.SetEnabled(c.Request().Context(), claims.TenantID, c.Param("id"), req.Enabled)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// Delete godoc
// @Summary Remove a bot
// @Tags bots
// @Param id path string true "Bot ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /bots/{id} [delete]
func (h *BotsHandler) Delete(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	if err := h.service.Remove(c.Request().Context(), claims.TenantID, c.Param("id")); err != nil {
		return h.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BotsHandler) mapError(err error) error {
	switch {
	case errors.Is(err, bot.ErrBotNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "bot not found")
	case errors.Is(err, transport.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "the platform rejected the bot token")
	case errors.Is(err, bot.ErrActivateFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "bot activation failed")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
