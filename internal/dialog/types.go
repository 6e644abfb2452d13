// Package dialog holds the conversation state machine: dialogs, their
// messages, and the assignment audit trail.
package dialog

import "time"

// Status is the dialog lifecycle state.
type Status string

const (
	StatusNew    Status = "new"
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Direction marks who produced a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ActionKind classifies an assignment audit record.
type ActionKind string

const (
	ActionAssigned    ActionKind = "assigned"
	ActionReleased    ActionKind = "released"
	ActionTransferred ActionKind = "transferred"
)

// Dialog is one conversation between a visitor and the support team.
type Dialog struct {
	ID              string    `json:"id"`
	TenantBotID     string    `json:"tenant_bot_id"`
	TenantID        string    `json:"tenant_id"`
	RemoteChatID    int64     `json:"remote_chat_id"`
	VisitorName     string    `json:"visitor_name"`
	VisitorUsername string    `json:"visitor_username,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	Status          Status    `json:"status"`
	AssignedTo      string    `json:"assigned_to,omitempty"`
	AssignedAt      time.Time `json:"assigned_at,omitempty"`
	CloseReason     string    `json:"close_reason,omitempty"`
	ClosedAt        time.Time `json:"closed_at,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Assigned reports whether the dialog currently has an assignee.
func (d Dialog) Assigned() bool { return d.AssignedTo != "" }

// Message is one entry of a dialog's transcript.
type Message struct {
	ID              string    `json:"id"`
	DialogID        string    `json:"dialog_id"`
	Direction       Direction `json:"direction"`
	AuthorAgentID   string    `json:"author_agent_id,omitempty"`
	RemoteMessageID string    `json:"remote_message_id,omitempty"`
	Kind            string    `json:"kind"`
	Body            string    `json:"body"`
	AttachmentURL   string    `json:"attachment_url,omitempty"`
	AttachmentName  string    `json:"attachment_name,omitempty"`
	AttachmentSize  int64     `json:"attachment_size,omitempty"`
	AttachmentMime  string    `json:"attachment_mime,omitempty"`
	Seq             int64     `json:"seq"`
	SentAt          time.Time `json:"sent_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Action is one assignment audit record.
type Action struct {
	ID            string     `json:"id"`
	DialogID      string     `json:"dialog_id"`
	Kind          ActionKind `json:"kind"`
	ActorAgentID  string     `json:"actor_agent_id"`
	TargetAgentID string     `json:"target_agent_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CreateDialogRequest describes a new dialog discovered from an inbound update.
type CreateDialogRequest struct {
	TenantBotID     string
	TenantID        string
	RemoteChatID    int64
	VisitorName     string
	VisitorUsername string
	AvatarURL       string
}

// InsertMessageRequest describes a transcript entry to persist.
type InsertMessageRequest struct {
	DialogID        string
	Direction       Direction
	AuthorAgentID   string
	RemoteMessageID string
	Kind            string
	Body            string
	AttachmentURL   string
	AttachmentName  string
	AttachmentSize  int64
	AttachmentMime  string
	SentAt          time.Time
}

// ListMessagesRequest paginates a dialog transcript backwards in time.
type ListMessagesRequest struct {
	DialogID string
	Before   time.Time
	Limit    int
}

// ListDialogsRequest filters the tenant's dialog list.
type ListDialogsRequest struct {
	TenantID   string
	Status     Status
	AssignedTo string
	Limit      int
	Offset     int
}
