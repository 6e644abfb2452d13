// Package transport defines the messenger-facing client abstraction used by
// the bot registry and the ingestion pipeline. Implementations live in
// subpackages, one per messenger platform.
package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrInvalidCredentials indicates the messenger rejected the bot token.
var ErrInvalidCredentials = errors.New("invalid bot credentials")

// ContentKind classifies an inbound message payload.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindPhoto    ContentKind = "photo"
	KindVideo    ContentKind = "video"
	KindDocument ContentKind = "document"
	KindVoice    ContentKind = "voice"
	KindAudio    ContentKind = "audio"
	KindSticker  ContentKind = "sticker"
	KindLocation ContentKind = "location"
)

// BotProfile describes the authenticated bot identity.
type BotProfile struct {
	ID       int64
	Username string
	Name     string
}

// Peer identifies the remote user who sent an update.
type Peer struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName returns the best human-readable name for the peer.
func (p Peer) DisplayName() string {
	if p.FirstName != "" || p.LastName != "" {
		name := p.FirstName
		if p.LastName != "" {
			if name != "" {
				name += " "
			}
			name += p.LastName
		}
		return name
	}
	return p.Username
}

// FileRef points at a downloadable file held by the messenger.
type FileRef struct {
	FileID string
	Name   string
	Mime   string
	Size   int64
}

// Update is a platform-neutral inbound message.
type Update struct {
	RemoteMessageID string
	ChatID          int64
	Sender          Peer
	Kind            ContentKind
	Text            string
	Attachment      *FileRef
	SentAt          time.Time
}

// OutgoingFile is an attachment to deliver alongside or instead of text.
type OutgoingFile struct {
	Kind    ContentKind
	URL     string
	Name    string
	Caption string
}

// Client is a live session with a messenger bot account. Implementations must
// be safe for concurrent use.
type Client interface {
	// Self returns the profile discovered during authentication.
	Self() BotProfile
	// SendText delivers a plain-text message and returns the remote message id.
	SendText(ctx context.Context, chatID int64, text string) (string, error)
	// SendFile delivers a file message and returns the remote message id.
	SendFile(ctx context.Context, chatID int64, file OutgoingFile) (string, error)
	// FetchFile opens the content of a file previously referenced in an Update.
	FetchFile(ctx context.Context, ref FileRef) (io.ReadCloser, error)
	// FetchProfilePhotoURL resolves the user's current avatar, "" when absent.
	FetchProfilePhotoURL(ctx context.Context, userID int64) (string, error)
	// Updates starts long-polling and returns the normalized update stream.
	Updates(ctx context.Context) (<-chan Update, error)
	// StopUpdates terminates the polling session started by Updates.
	StopUpdates()
	// RegisterWebhook points the messenger at the given callback URL.
	RegisterWebhook(ctx context.Context, url string) error
	// ClearWebhook removes a previously registered callback.
	ClearWebhook(ctx context.Context) error
}

// Factory authenticates a token and returns a ready client.
type Factory func(ctx context.Context, token string) (Client, error)
