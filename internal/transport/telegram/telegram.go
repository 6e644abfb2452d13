// Package telegram implements the transport.Client interface on top of the
// Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/deskrelay/deskrelay/internal/transport"
)

const maxMessageLength = 4096

// Client wraps a tgbotapi session for a single bot token.
type Client struct {
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
	self    transport.BotProfile
	http    *http.Client
	polling atomic.Bool
	timeout int
}

// NewFactory builds a transport.Factory with the given polling timeout.
func NewFactory(log *slog.Logger, timeoutSeconds int) transport.Factory {
	if log == nil {
		log = slog.Default()
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return func(ctx context.Context, token string) (transport.Client, error) {
		return NewClient(ctx, log, token, timeoutSeconds)
	}
}

// NewClient authenticates the token against the Bot API. A rejected token is
// reported as transport.ErrInvalidCredentials.
func NewClient(ctx context.Context, log *slog.Logger, token string, timeoutSeconds int) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: empty token", transport.ErrInvalidCredentials)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrInvalidCredentials, err)
	}
	self := transport.BotProfile{
		ID:       bot.Self.ID,
		Username: strings.TrimSpace(bot.Self.UserName),
		Name:     strings.TrimSpace(strings.TrimSpace(bot.Self.FirstName + " " + bot.Self.LastName)),
	}
	return &Client{
		logger:  log.With(slog.String("transport", "telegram"), slog.String("bot", self.Username)),
		bot:     bot,
		self:    self,
		http:    &http.Client{Timeout: 60 * time.Second},
		timeout: timeoutSeconds,
	}, nil
}

// Self returns the bot profile discovered at authentication time.
func (c *Client) Self() transport.BotProfile { return c.self }

// SendText delivers a plain-text message to the chat.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	msg := tgbotapi.NewMessage(chatID, truncateText(sanitizeText(text)))
	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendFile delivers a file message, choosing the upload method by kind.
func (c *Client) SendFile(ctx context.Context, chatID int64, file transport.OutgoingFile) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if strings.TrimSpace(file.URL) == "" {
		return "", fmt.Errorf("file url is required")
	}
	data := tgbotapi.FileURL(file.URL)
	caption := truncateText(sanitizeText(file.Caption))
	var sent tgbotapi.Message
	var err error
	switch file.Kind {
	case transport.KindPhoto:
		photo := tgbotapi.NewPhoto(chatID, data)
		photo.Caption = caption
		sent, err = c.bot.Send(photo)
	case transport.KindVideo:
		video := tgbotapi.NewVideo(chatID, data)
		video.Caption = caption
		sent, err = c.bot.Send(video)
	case transport.KindVoice:
		voice := tgbotapi.NewVoice(chatID, data)
		voice.Caption = caption
		sent, err = c.bot.Send(voice)
	case transport.KindAudio:
		audio := tgbotapi.NewAudio(chatID, data)
		audio.Caption = caption
		sent, err = c.bot.Send(audio)
	default:
		document := tgbotapi.NewDocument(chatID, data)
		document.Caption = caption
		sent, err = c.bot.Send(document)
	}
	if err != nil {
		return "", fmt.Errorf("telegram send file: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// FetchFile downloads a file referenced in an inbound update.
func (c *Client) FetchFile(ctx context.Context, ref transport.FileRef) (io.ReadCloser, error) {
	if strings.TrimSpace(ref.FileID) == "" {
		return nil, fmt.Errorf("file id is required")
	}
	url, err := c.bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("download file status: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// FetchProfilePhotoURL resolves the user's first profile photo, if any.
func (c *Client) FetchProfilePhotoURL(ctx context.Context, userID int64) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	photos, err := c.bot.GetUserProfilePhotos(tgbotapi.UserProfilePhotosConfig{UserID: userID, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("profile photos: %w", err)
	}
	if photos.TotalCount == 0 || len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", nil
	}
	best := pickLargestPhoto(photos.Photos[0])
	url, err := c.bot.GetFileDirectURL(best.FileID)
	if err != nil {
		return "", fmt.Errorf("resolve photo url: %w", err)
	}
	return url, nil
}

// Updates starts long-polling and pipes normalized updates until the context
// is canceled or StopUpdates is called.
func (c *Client) Updates(ctx context.Context) (<-chan transport.Update, error) {
	if !c.polling.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("updates already running")
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = c.timeout
	raw := c.bot.GetUpdatesChan(cfg)
	out := make(chan transport.Update)

	go func() {
		defer close(out)
		defer c.polling.Store(false)
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				// Drain remaining updates so the library's polling goroutine
				// can finish writing and exit. Without this, the in-flight
				// long-poll request keeps the old getUpdates session alive,
				// causing "Conflict: terminated by other getUpdates request"
				// when a new session starts with the same token.
				for range raw {
				}
				return
			case update, ok := <-raw:
				if !ok {
					c.logger.Info("updates channel closed")
					return
				}
				normalized, ok := NormalizeUpdate(update)
				if !ok {
					continue
				}
				select {
				case out <- normalized:
				case <-ctx.Done():
				}
			}
		}
	}()
	return out, nil
}

// StopUpdates terminates a running polling session.
func (c *Client) StopUpdates() {
	if c.polling.Load() {
		c.bot.StopReceivingUpdates()
	}
}

// RegisterWebhook points Telegram at the callback URL.
func (c *Client) RegisterWebhook(ctx context.Context, url string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	hook, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	if _, err := c.bot.Request(hook); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// ClearWebhook removes the registered callback.
func (c *Client) ClearWebhook(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: false}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// NormalizeUpdate converts a raw Telegram update into the platform-neutral
// form. It reports false for updates that carry no message payload.
func NormalizeUpdate(update tgbotapi.Update) (transport.Update, bool) {
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return transport.Update{}, false
	}
	out := transport.Update{
		RemoteMessageID: strconv.Itoa(msg.MessageID),
		ChatID:          msg.Chat.ID,
		SentAt:          time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		out.Sender = transport.Peer{
			ID:        msg.From.ID,
			Username:  strings.TrimSpace(msg.From.UserName),
			FirstName: strings.TrimSpace(msg.From.FirstName),
			LastName:  strings.TrimSpace(msg.From.LastName),
		}
	}
	out.Kind, out.Text, out.Attachment = classifyContent(msg)
	if out.Text == "" && out.Attachment == nil {
		return transport.Update{}, false
	}
	return out, true
}

func classifyContent(msg *tgbotapi.Message) (transport.ContentKind, string, *transport.FileRef) {
	text := strings.TrimSpace(msg.Text)
	caption := strings.TrimSpace(msg.Caption)
	if text == "" {
		text = caption
	}
	switch {
	case len(msg.Photo) > 0:
		photo := pickLargestPhoto(msg.Photo)
		return transport.KindPhoto, text, &transport.FileRef{
			FileID: photo.FileID,
			Size:   int64(photo.FileSize),
		}
	case msg.Video != nil:
		return transport.KindVideo, text, &transport.FileRef{
			FileID: msg.Video.FileID,
			Name:   strings.TrimSpace(msg.Video.FileName),
			Mime:   strings.TrimSpace(msg.Video.MimeType),
			Size:   int64(msg.Video.FileSize),
		}
	case msg.Document != nil:
		return transport.KindDocument, text, &transport.FileRef{
			FileID: msg.Document.FileID,
			Name:   strings.TrimSpace(msg.Document.FileName),
			Mime:   strings.TrimSpace(msg.Document.MimeType),
			Size:   int64(msg.Document.FileSize),
		}
	case msg.Voice != nil:
		return transport.KindVoice, text, &transport.FileRef{
			FileID: msg.Voice.FileID,
			Mime:   strings.TrimSpace(msg.Voice.MimeType),
			Size:   int64(msg.Voice.FileSize),
		}
	case msg.Audio != nil:
		return transport.KindAudio, text, &transport.FileRef{
			FileID: msg.Audio.FileID,
			Name:   strings.TrimSpace(msg.Audio.FileName),
			Mime:   strings.TrimSpace(msg.Audio.MimeType),
			Size:   int64(msg.Audio.FileSize),
		}
	case msg.Animation != nil:
		return transport.KindVideo, text, &transport.FileRef{
			FileID: msg.Animation.FileID,
			Name:   strings.TrimSpace(msg.Animation.FileName),
			Mime:   strings.TrimSpace(msg.Animation.MimeType),
			Size:   int64(msg.Animation.FileSize),
		}
	case msg.VideoNote != nil:
		return transport.KindVideo, text, &transport.FileRef{
			FileID: msg.VideoNote.FileID,
			Size:   int64(msg.VideoNote.FileSize),
		}
	case msg.Sticker != nil:
		label := text
		if label == "" {
			label = placeholderFor(transport.KindSticker)
			if msg.Sticker.Emoji != "" {
				label = msg.Sticker.Emoji
			}
		}
		return transport.KindSticker, label, &transport.FileRef{
			FileID: msg.Sticker.FileID,
			Size:   int64(msg.Sticker.FileSize),
		}
	case msg.Location != nil:
		label := text
		if label == "" {
			label = fmt.Sprintf("%s %.6f,%.6f", placeholderFor(transport.KindLocation), msg.Location.Latitude, msg.Location.Longitude)
		}
		return transport.KindLocation, label, nil
	default:
		if text == "" {
			if name := unsupportedPayload(msg); name != "" {
				text = "[" + name + "]"
			}
		}
		return transport.KindText, text, nil
	}
}

// unsupportedPayload names message payloads the relay cannot render so they
// still reach the agent as a textual placeholder instead of being dropped.
func unsupportedPayload(msg *tgbotapi.Message) string {
	switch {
	case msg.Contact != nil:
		return "contact"
	case msg.Venue != nil:
		return "venue"
	case msg.Poll != nil:
		return "poll"
	case msg.Dice != nil:
		return "dice"
	case msg.Game != nil:
		return "game"
	case msg.Invoice != nil:
		return "invoice"
	default:
		return ""
	}
}

func placeholderFor(kind transport.ContentKind) string {
	return "[" + string(kind) + "]"
}

func pickLargestPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	if len(items) == 0 {
		return tgbotapi.PhotoSize{}
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

// sanitizeText ensures text is valid UTF-8 for the Bot API.
func sanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateText truncates text to maxMessageLength on a valid UTF-8 rune
// boundary, appending "..." when truncation occurs.
func truncateText(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	const suffix = "..."
	limit := maxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}
