// Package ingest turns normalized transport updates into persisted dialog
// messages and real-time events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deskrelay/deskrelay/internal/bot"
	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/dialog"
	"github.com/deskrelay/deskrelay/internal/notify"
	"github.com/deskrelay/deskrelay/internal/transport"
)

const networkTimeout = 15 * time.Second

type botResolver interface {
	Get(ctx context.Context, id string) (bot.TenantBot, error)
}

type clientSource interface {
	Client(tenantBotID string) (transport.Client, bool)
}

type uploader interface {
	Save(ctx context.Context, kind, originalName, mimeType string, reader io.Reader) (string, error)
}

// Pipeline processes inbound updates: dedup, dialog resolution, attachment
// spooling, persistence, status transition, auto-ack, event publication.
type Pipeline struct {
	logger    *slog.Logger
	bots      botResolver
	dialogs   dialog.Store
	clients   clientSource
	uploads   uploader
	publisher notify.Publisher
	dedup     *Deduper
	ackText   string
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(
	log *slog.Logger,
	cfg config.IngestConfig,
	bots botResolver,
	dialogs dialog.Store,
	clients clientSource,
	uploads uploader,
	publisher notify.Publisher,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		logger:    log.With(slog.String("component", "ingest")),
		bots:      bots,
		dialogs:   dialogs,
		clients:   clients,
		uploads:   uploads,
		publisher: publisher,
		dedup:     NewDeduper(time.Duration(cfg.DedupWindowSeconds)*time.Second, cfg.DedupMaxEntries),
		ackText:   cfg.AckText,
	}
}

// Ingest processes one inbound update. A failure to persist the message is
// returned to the caller; avatar fetch, attachment spooling and the auto-ack
// are best-effort and only logged.
func (p *Pipeline) Ingest(ctx context.Context, tenantBotID string, upd transport.Update) error {
	dedupKey := ""
	if upd.RemoteMessageID != "" {
		dedupKey = tenantBotID + ":" + upd.RemoteMessageID
	}
	if dedupKey != "" && p.dedup.Seen(dedupKey) {
		p.logger.Debug("duplicate update suppressed",
			slog.String("tenant_bot_id", tenantBotID),
			slog.String("remote_message_id", upd.RemoteMessageID))
		return nil
	}

	b, err := p.bots.Get(ctx, tenantBotID)
	if err != nil {
		return fmt.Errorf("resolve bot: %w", err)
	}

	d, err := p.resolveDialog(ctx, b, upd)
	if err != nil {
		return fmt.Errorf("resolve dialog: %w", err)
	}

	client, clientOK := p.clients.Client(tenantBotID)
	if clientOK && d.AvatarURL == "" {
		p.refreshAvatar(ctx, client, d, upd.Sender.ID)
	}

	body := upd.Text
	var attachment spooledFile
	if upd.Attachment != nil && clientOK {
		attachment = p.spoolAttachment(ctx, client, upd)
	}

	sentAt := upd.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	msg, err := p.dialogs.InsertMessage(ctx, dialog.InsertMessageRequest{
		DialogID:        d.ID,
		Direction:       dialog.DirectionInbound,
		RemoteMessageID: upd.RemoteMessageID,
		Kind:            string(upd.Kind),
		Body:            body,
		AttachmentURL:   attachment.URL,
		AttachmentName:  attachment.Name,
		AttachmentSize:  attachment.Size,
		AttachmentMime:  attachment.Mime,
		SentAt:          sentAt,
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	// Suppression only starts once the message is durable, so a redelivery
	// after a transient persistence failure is not lost.
	if dedupKey != "" {
		p.dedup.Mark(dedupKey)
	}

	updated, previous, err := p.dialogs.MarkInbound(ctx, d.ID, sentAt)
	if err != nil {
		return fmt.Errorf("mark inbound: %w", err)
	}

	if previous == dialog.StatusNew && clientOK {
		p.acknowledge(ctx, client, updated)
	}

	if p.publisher != nil {
		p.publisher.Publish(notify.Event{
			Type:     notify.EventDialogMessage,
			TenantID: updated.TenantID,
			Payload: map[string]any{
				"dialog": updated,
				"detail": map[string]any{"message": msg},
			},
		})
	}
	return nil
}

// resolveDialog finds the dialog for the update's chat, creating it on the
// first message.
func (p *Pipeline) resolveDialog(ctx context.Context, b bot.TenantBot, upd transport.Update) (dialog.Dialog, error) {
	d, err := p.dialogs.FindByRemote(ctx, b.ID, upd.ChatID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, dialog.ErrNotFound) {
		return dialog.Dialog{}, err
	}
	created, err := p.dialogs.Create(ctx, dialog.CreateDialogRequest{
		TenantBotID:     b.ID,
		TenantID:        b.TenantID,
		RemoteChatID:    upd.ChatID,
		VisitorName:     upd.Sender.DisplayName(),
		VisitorUsername: upd.Sender.Username,
	})
	if err != nil {
		return dialog.Dialog{}, err
	}
	p.logger.Info("dialog created",
		slog.String("dialog_id", created.ID),
		slog.String("tenant_bot_id", b.ID),
		slog.Int64("remote_chat_id", upd.ChatID))
	return created, nil
}

func (p *Pipeline) refreshAvatar(ctx context.Context, client transport.Client, d dialog.Dialog, senderID int64) {
	fetchCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	url, err := client.FetchProfilePhotoURL(fetchCtx, senderID)
	if err != nil {
		p.logger.Debug("avatar fetch failed",
			slog.String("dialog_id", d.ID),
			slog.Any("error", err))
		return
	}
	if url == "" {
		return
	}
	if err := p.dialogs.SetAvatar(ctx, d.ID, url); err != nil {
		p.logger.Warn("store avatar failed",
			slog.String("dialog_id", d.ID),
			slog.Any("error", err))
	}
}

// spooledFile describes a stored attachment for the message record.
type spooledFile struct {
	URL  string
	Name string
	Mime string
	Size int64
}

// spoolAttachment copies the remote file into local storage. On any failure
// the message is kept without its attachment.
func (p *Pipeline) spoolAttachment(ctx context.Context, client transport.Client, upd transport.Update) spooledFile {
	if p.uploads == nil {
		return spooledFile{}
	}
	ref := *upd.Attachment
	fetchCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	rc, err := client.FetchFile(fetchCtx, ref)
	if err != nil {
		p.logger.Warn("attachment fetch failed",
			slog.String("file_id", ref.FileID),
			slog.Any("error", err))
		return spooledFile{}
	}
	defer func() {
		_ = rc.Close()
	}()
	stored, err := p.uploads.Save(ctx, string(upd.Kind), ref.Name, ref.Mime, rc)
	if err != nil {
		p.logger.Warn("attachment store failed",
			slog.String("file_id", ref.FileID),
			slog.Any("error", err))
		return spooledFile{}
	}
	return spooledFile{URL: stored, Name: ref.Name, Mime: ref.Mime, Size: ref.Size}
}

// acknowledge sends the one-time greeting after a dialog's first message. The
// reply is persisted as an outbound system message; both steps are
// best-effort.
func (p *Pipeline) acknowledge(ctx context.Context, client transport.Client, d dialog.Dialog) {
	if p.ackText == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	remoteID, err := client.SendText(sendCtx, d.RemoteChatID, p.ackText)
	if err != nil {
		p.logger.Warn("ack send failed",
			slog.String("dialog_id", d.ID),
			slog.Any("error", err))
		return
	}
	if _, err := p.dialogs.InsertMessage(ctx, dialog.InsertMessageRequest{
		DialogID:        d.ID,
		Direction:       dialog.DirectionOutbound,
		RemoteMessageID: remoteID,
		Kind:            string(transport.KindText),
		Body:            p.ackText,
		SentAt:          time.Now().UTC(),
	}); err != nil {
		p.logger.Warn("ack persist failed",
			slog.String("dialog_id", d.ID),
			slog.Any("error", err))
	}
}
