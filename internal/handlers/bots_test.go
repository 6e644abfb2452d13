package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/deskrelay/deskrelay/internal/bot"
	"github.com/deskrelay/deskrelay/internal/transport"
)

func TestBotsMapError(t *testing.T) {
	t.Parallel()

	h := &BotsHandler{logger: slog.Default()}
	cases := []struct {
		err  error
		code int
	}{
		{bot.ErrBotNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: %w", bot.ErrActivateFailed, transport.ErrInvalidCredentials), http.StatusUnprocessableEntity},
		{bot.ErrActivateFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		var httpErr *echo.HTTPError
		if !errors.As(h.mapError(tc.err), &httpErr) || httpErr.Code != tc.code {
			t.Errorf("mapError(%v) = %v, want status %d", tc.err, httpErr, tc.code)
		}
	}
}
