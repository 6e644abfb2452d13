package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/deskrelay/deskrelay/internal/auth"
	"github.com/deskrelay/deskrelay/internal/dialog"
)

// ErrorResponse is the error envelope returned by the API.
type ErrorResponse struct {
	Message string `json:"message"`
}

// DialogsHandler exposes the shared inbox: dialog listing, transcripts, and
// the assignment operations.
type DialogsHandler struct {
	service *dialog.Service
}

func NewDialogsHandler(service *dialog.Service) *DialogsHandler {
	return &DialogsHandler{service: service}
}

func (h *DialogsHandler) Register(e *echo.Echo) {
	group := e.Group("/dialogs")
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.GET("/:id/messages", h.Messages)
	group.GET("/:id/actions", h.Actions)
	group.POST("/:id/reply", h.Reply)
	group.POST("/:id/claim", h.Claim)
	group.POST("/:id/release", h.Release)
	group.POST("/:id/transfer", h.Transfer)
	group.POST("/:id/close", h.Close)
	group.POST("/:id/reopen", h.Reopen)
}

// List godoc
// @Summary List dialogs
// @Tags dialogs
// @Param status query string false "Filter by status (new|active|closed)"
// @Param assigned_to query string false "Filter by assignee agent ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} dialog.Dialog
// @Router /dialogs [get]
func (h *DialogsHandler) List(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	items, err := h.service.List(c.Request().Context(), dialog.ListDialogsRequest{
		TenantID:   claims.TenantID,
		Status:     dialog.Status(c.QueryParam("status")),
		AssignedTo: c.QueryParam("assigned_to"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// Get godoc
// @Summary Get one dialog
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Success 200 {object} dialog.Dialog
// @Failure 404 {object} ErrorResponse
// @Router /dialogs/{id} [get]
func (h *DialogsHandler) Get(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	d, err := h.service.Get(c.Request().Context(), claims.TenantID, c.Param("id"))
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// Messages godoc
// @Summary Read a dialog transcript page
// @Description Returns messages oldest-first. Pass before to page backwards.
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Param before query string false "RFC3339 timestamp to page before"
// @Param limit query int false "Page size"
// @Success 200 {array} dialog.Message
// @Failure 404 {object} ErrorResponse
// @Router /dialogs/{id}/messages [get]
func (h *DialogsHandler) Messages(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var before time.Time
	if raw := c.QueryParam("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC3339")
		}
		before = parsed
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.service.Messages(c.Request().Context(), claims.TenantID, dialog.ListMessagesRequest{
		DialogID: c.Param("id"),
		Before:   before,
		Limit:    limit,
	})
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// Actions godoc
// @Summary Read a dialog's assignment audit trail
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Success 200 {array} dialog.Action
// @Failure 404 {object} ErrorResponse
// @Router /dialogs/{id}/actions [get]
func (h *DialogsHandler) Actions(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.service.Actions(c.Request().Context(), claims.TenantID, c.Param("id"))
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type replyRequest struct {
	Text string `json:"text"`
}

// Reply godoc
// @Summary Send an agent reply into the dialog
// @Description Replying to an unassigned dialog claims it for the sender.
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Param payload body replyRequest true "Reply payload"
// @Success 200 {object} dialog.Message
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /dialogs/{id}/reply [post]
func (h *DialogsHandler) Reply(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	msg, err := h.service.Reply(c.Request().Context(), claims.TenantID, claims.AgentID, c.Param("id"), req.Text)
	if err != nil {
		// The message is kept even when the messenger rejected the delivery.
		if msg.ID != "" {
			return c.JSON(http.StatusBadGateway, map[string]any{
				"message": msg,
				"error":   "delivery failed",
			})
		}
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

// Claim godoc
// @Summary Claim an unassigned dialog
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Success 200 {object} dialog.Dialog
// @Failure 409 {object} ErrorResponse
// @Router /dialogs/{id}/claim [post]
func (h *DialogsHandler) Claim(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	d, err := h.service.Claim(c.Request().Context(), claims.TenantID, claims.AgentID, c.Param("id"))
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// Release godoc
// @Summary Release a held dialog back to the pool
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Success 200 {object} dialog.Dialog
// @Failure 403 {object} ErrorResponse
// @Router /dialogs/{id}/release [post]
func (h *DialogsHandler) Release(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	d, err := h.service.Release(c.Request().Context(), claims.TenantID, claims.AgentID, c.Param("id"))
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type transferRequest struct {
	TargetAgentID string `json:"target_agent_id"`
}

// Transfer godoc
// @Summary Transfer a dialog to another agent
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Param payload body transferRequest true "Transfer payload"
// @Success 200 {object} dialog.Dialog
// @Failure 403 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /dialogs/{id}/transfer [post]
func (h *DialogsHandler) Transfer(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req transferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.service.Transfer(c.Request().Context(), claims.TenantID, claims.AgentID, c.Param("id"), req.TargetAgentID)
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// Close godoc
// @Summary Close a dialog
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Param payload body closeRequest false "Close payload"
// @Success 200 {object} dialog.Dialog
// @Router /dialogs/{id}/close [post]
func (h *DialogsHandler) Close(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req closeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.service.Close(c.Request().Context(), claims.TenantID, claims.AgentID, c.Param("id"), req.Reason)
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// Reopen godoc
// @Summary Reopen a closed dialog
// @Tags dialogs
// @Param id path string true "Dialog ID"
// @Success 200 {object} dialog.Dialog
// @Router /dialogs/{id}/reopen [post]
func (h *DialogsHandler) Reopen(c echo.Context) error {
	claims, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	d, err := h.service.Reopen(c.Request().Context(), claims.TenantID, claims.AgentID, c.Param("id"))
	if err != nil {
		return mapDialogError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func mapDialogError(err error) error {
	switch {
	case errors.Is(err, dialog.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "dialog not found")
	case errors.Is(err, dialog.ErrAlreadyAssigned):
		return echo.NewHTTPError(http.StatusConflict, "dialog is assigned to another agent")
	case errors.Is(err, dialog.ErrDialogLocked):
		return echo.NewHTTPError(http.StatusConflict, "dialog is locked by its assignee")
	case errors.Is(err, dialog.ErrClosed):
		return echo.NewHTTPError(http.StatusConflict, "dialog is closed")
	case errors.Is(err, dialog.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "not allowed")
	case errors.Is(err, dialog.ErrInvalidTarget):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "target is not an active agent")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
