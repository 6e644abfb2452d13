package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject  = "sub"
	claimAgentID  = "agent_id"
	claimTenantID = "tenant_id"
	claimRole     = "role"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// AgentClaims identifies the authenticated agent on a request.
type AgentClaims struct {
	AgentID  string
	TenantID string
	Role     string
}

// AgentFromContext extracts the agent claims from the request JWT.
func AgentFromContext(c echo.Context) (AgentClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return AgentClaims{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AgentClaims{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	info := AgentClaims{
		AgentID:  claimString(claims, claimAgentID),
		TenantID: claimString(claims, claimTenantID),
		Role:     claimString(claims, claimRole),
	}
	if info.AgentID == "" {
		info.AgentID = claimString(claims, claimSubject)
	}
	if info.AgentID == "" {
		return AgentClaims{}, echo.NewHTTPError(http.StatusUnauthorized, "agent id missing")
	}
	if info.TenantID == "" {
		return AgentClaims{}, echo.NewHTTPError(http.StatusUnauthorized, "tenant id missing")
	}
	return info, nil
}

// GenerateToken creates a signed JWT for the agent.
func GenerateToken(info AgentClaims, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(info.AgentID) == "" {
		return "", time.Time{}, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(info.TenantID) == "" {
		return "", time.Time{}, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject:  info.AgentID,
		claimAgentID:  info.AgentID,
		claimTenantID: info.TenantID,
		claimRole:     info.Role,
		"iat":         now.Unix(),
		"exp":         expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
