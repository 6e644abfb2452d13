// Package bot manages the tenant bot roster: persisted credentials plus the
// live transport sessions that receive and send messenger traffic.
package bot

import (
	"errors"
	"time"
)

// Mode selects how a bot receives updates.
type Mode string

const (
	ModePolling Mode = "polling"
	ModeWebhook Mode = "webhook"
)

// ErrBotNotFound indicates no bot with the given id exists.
var ErrBotNotFound = errors.New("bot not found")

// ErrActivateFailed indicates the bot could not be brought online.
var ErrActivateFailed = errors.New("bot activation failed")

// TenantBot is one registered messenger bot owned by a tenant.
type TenantBot struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Token       string    `json:"-"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Mode        Mode      `json:"mode"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpsertRequest registers a bot token for a tenant. ID is the caller-chosen
// bot identity; re-registering the same id rotates the token or mode and
// re-enables the bot.
type UpsertRequest struct {
	ID       string
	TenantID string
	Token    string
	Mode     Mode
}

// Status describes the runtime state of one bot session.
type Status struct {
	TenantBotID string    `json:"tenant_bot_id"`
	TenantID    string    `json:"tenant_id"`
	Username    string    `json:"username,omitempty"`
	Mode        Mode      `json:"mode"`
	Running     bool      `json:"running"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
