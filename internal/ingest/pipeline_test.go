package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/bot"
	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/dialog"
	"github.com/deskrelay/deskrelay/internal/notify"
	"github.com/deskrelay/deskrelay/internal/transport"
)

const (
	testBotID    = "11111111-1111-1111-1111-111111111111"
	testTenantID = "tenant-1"
)

type fakeBots struct {
	bots map[string]bot.TenantBot
}

func (f *fakeBots) Get(_ context.Context, id string) (bot.TenantBot, error) {
	b, ok := f.bots[id]
	if !ok {
		return bot.TenantBot{}, bot.ErrBotNotFound
	}
	return b, nil
}

type fakeDialogStore struct {
	mu       sync.Mutex
	seq        int
	insertFail int
	dialogs    map[string]dialog.Dialog
	messages   []dialog.Message
}

func newFakeDialogStore() *fakeDialogStore {
	return &fakeDialogStore{dialogs: map[string]dialog.Dialog{}}
}

func (s *fakeDialogStore) Get(_ context.Context, id string) (dialog.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return dialog.Dialog{}, dialog.ErrNotFound
	}
	return d, nil
}

func (s *fakeDialogStore) FindByRemote(_ context.Context, tenantBotID string, remoteChatID int64) (dialog.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dialogs {
		if d.TenantBotID == tenantBotID && d.RemoteChatID == remoteChatID {
			return d, nil
		}
	}
	return dialog.Dialog{}, dialog.ErrNotFound
}

func (s *fakeDialogStore) Create(_ context.Context, req dialog.CreateDialogRequest) (dialog.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	d := dialog.Dialog{
		ID:              fmt.Sprintf("dlg-%d", s.seq),
		TenantBotID:     req.TenantBotID,
		TenantID:        req.TenantID,
		RemoteChatID:    req.RemoteChatID,
		VisitorName:     req.VisitorName,
		VisitorUsername: req.VisitorUsername,
		AvatarURL:       req.AvatarURL,
		Status:          dialog.StatusNew,
		CreatedAt:       time.Now().UTC(),
	}
	s.dialogs[d.ID] = d
	return d, nil
}

func (s *fakeDialogStore) MarkInbound(_ context.Context, id string, at time.Time) (dialog.Dialog, dialog.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return dialog.Dialog{}, "", dialog.ErrNotFound
	}
	previous := d.Status
	switch d.Status {
	case dialog.StatusNew:
		d.Status = dialog.StatusActive
	case dialog.StatusClosed:
		d.Status = dialog.StatusActive
		d.AssignedTo = ""
		d.AssignedAt = time.Time{}
	}
	d.LastMessageAt = at
	s.dialogs[id] = d
	return d, previous, nil
}

func (s *fakeDialogStore) SetAvatar(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return dialog.ErrNotFound
	}
	if d.AvatarURL == "" {
		d.AvatarURL = url
		s.dialogs[id] = d
	}
	return nil
}

func (s *fakeDialogStore) InsertMessage(_ context.Context, req dialog.InsertMessageRequest) (dialog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertFail > 0 {
		s.insertFail--
		return dialog.Message{}, errors.New("store unavailable")
	}
	s.seq++
	msg := dialog.Message{
		ID:              fmt.Sprintf("msg-%d", s.seq),
		DialogID:        req.DialogID,
		Direction:       req.Direction,
		RemoteMessageID: req.RemoteMessageID,
		Kind:            req.Kind,
		Body:            req.Body,
		AttachmentURL:   req.AttachmentURL,
		AttachmentName:  req.AttachmentName,
		AttachmentSize:  req.AttachmentSize,
		AttachmentMime:  req.AttachmentMime,
		SentAt:          req.SentAt,
		CreatedAt:       time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeDialogStore) ListMessages(_ context.Context, _ dialog.ListMessagesRequest) ([]dialog.Message, error) {
	return nil, nil
}

func (s *fakeDialogStore) ListDialogs(_ context.Context, _ dialog.ListDialogsRequest) ([]dialog.Dialog, error) {
	return nil, nil
}

func (s *fakeDialogStore) ListActions(_ context.Context, _ string) ([]dialog.Action, error) {
	return nil, nil
}

func (s *fakeDialogStore) Claim(_ context.Context, id, agentID string) (dialog.Dialog, error) {
	return dialog.Dialog{}, errors.New("not used")
}

func (s *fakeDialogStore) Release(_ context.Context, id, actorID, expected string) (dialog.Dialog, error) {
	return dialog.Dialog{}, errors.New("not used")
}

func (s *fakeDialogStore) Transfer(_ context.Context, id, actorID, targetID, expected string) (dialog.Dialog, error) {
	return dialog.Dialog{}, errors.New("not used")
}

func (s *fakeDialogStore) Close(_ context.Context, id, reason string) (dialog.Dialog, error) {
	return dialog.Dialog{}, errors.New("not used")
}

func (s *fakeDialogStore) Reopen(_ context.Context, id string) (dialog.Dialog, error) {
	return dialog.Dialog{}, errors.New("not used")
}

func (s *fakeDialogStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type fakeClient struct {
	mu        sync.Mutex
	sent      []string
	sendFail  bool
	fetchFail bool
	avatarURL string
}

func (c *fakeClient) Self() transport.BotProfile { return transport.BotProfile{Username: "fake_bot"} }

func (c *fakeClient) SendText(_ context.Context, _ int64, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendFail {
		return "", errors.New("send failed")
	}
	c.sent = append(c.sent, text)
	return "900", nil
}

func (c *fakeClient) SendFile(_ context.Context, _ int64, _ transport.OutgoingFile) (string, error) {
	return "901", nil
}

func (c *fakeClient) FetchFile(_ context.Context, _ transport.FileRef) (io.ReadCloser, error) {
	if c.fetchFail {
		return nil, errors.New("fetch failed")
	}
	return io.NopCloser(strings.NewReader("filedata")), nil
}

func (c *fakeClient) FetchProfilePhotoURL(_ context.Context, _ int64) (string, error) {
	return c.avatarURL, nil
}

func (c *fakeClient) Updates(_ context.Context) (<-chan transport.Update, error) {
	return nil, errors.New("not used")
}

func (c *fakeClient) StopUpdates() {}

func (c *fakeClient) RegisterWebhook(_ context.Context, _ string) error { return nil }

func (c *fakeClient) ClearWebhook(_ context.Context) error { return nil }

func (c *fakeClient) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeClients struct {
	client *fakeClient
}

func (f *fakeClients) Client(string) (transport.Client, bool) {
	if f.client == nil {
		return nil, false
	}
	return f.client, true
}

type fakeUploads struct {
	fail bool
}

func (f *fakeUploads) Save(_ context.Context, kind, originalName, _ string, reader io.Reader) (string, error) {
	if f.fail {
		return "", errors.New("disk full")
	}
	_, _ = io.Copy(io.Discard, reader)
	return "/uploads/" + kind + "/stored-" + originalName, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *capturingPublisher) Publish(evt notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestPipeline(store *fakeDialogStore, client *fakeClient) (*Pipeline, *capturingPublisher) {
	bots := &fakeBots{bots: map[string]bot.TenantBot{
		testBotID: {ID: testBotID, TenantID: testTenantID, Enabled: true},
	}}
	pub := &capturingPublisher{}
	p := NewPipeline(
		slog.Default(),
		config.IngestConfig{DedupWindowSeconds: 300, DedupMaxEntries: 64, AckText: "An agent will be right with you."},
		bots,
		store,
		&fakeClients{client: client},
		&fakeUploads{},
		pub,
	)
	return p, pub
}

func textUpdate(remoteID string, chatID int64, text string) transport.Update {
	return transport.Update{
		RemoteMessageID: remoteID,
		ChatID:          chatID,
		Sender:          transport.Peer{ID: 500, FirstName: "Vera", Username: "vera"},
		Kind:            transport.KindText,
		Text:            text,
		SentAt:          time.Now().UTC(),
	}
}

func TestIngestCreatesDialogAndAcks(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	client := &fakeClient{}
	p, pub := newTestPipeline(store, client)

	if err := p.Ingest(context.Background(), testBotID, textUpdate("1", 77, "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	d, err := store.FindByRemote(context.Background(), testBotID, 77)
	if err != nil {
		t.Fatalf("dialog not created: %v", err)
	}
	if d.Status != dialog.StatusActive {
		t.Fatalf("status = %s, want active after first message", d.Status)
	}
	if d.VisitorName != "Vera" {
		t.Fatalf("visitor name = %q", d.VisitorName)
	}
	// One inbound message plus the persisted ack.
	if store.messageCount() != 2 {
		t.Fatalf("message count = %d, want 2", store.messageCount())
	}
	sent := client.sentTexts()
	if len(sent) != 1 || !strings.Contains(sent[0], "agent") {
		t.Fatalf("ack not sent: %v", sent)
	}
	if pub.count() != 1 {
		t.Fatalf("event count = %d, want 1", pub.count())
	}
}

func TestIngestAcksOnlyOnce(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	client := &fakeClient{}
	p, _ := newTestPipeline(store, client)

	if err := p.Ingest(context.Background(), testBotID, textUpdate("1", 77, "hello")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := p.Ingest(context.Background(), testBotID, textUpdate("2", 77, "anyone?")); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if got := len(client.sentTexts()); got != 1 {
		t.Fatalf("ack sent %d times, want 1", got)
	}
}

func TestIngestSuppressesDuplicates(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	p, pub := newTestPipeline(store, &fakeClient{})

	upd := textUpdate("42", 77, "hello")
	if err := p.Ingest(context.Background(), testBotID, upd); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := p.Ingest(context.Background(), testBotID, upd); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	inbound := 0
	store.mu.Lock()
	for _, m := range store.messages {
		if m.Direction == dialog.DirectionInbound {
			inbound++
		}
	}
	store.mu.Unlock()
	if inbound != 1 {
		t.Fatalf("inbound messages = %d, want duplicate suppressed", inbound)
	}
	if pub.count() != 1 {
		t.Fatalf("event count = %d, want 1", pub.count())
	}
}

func TestIngestRedeliveryAfterPersistFailure(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	store.insertFail = 1
	p, _ := newTestPipeline(store, &fakeClient{})

	upd := textUpdate("42", 77, "hello")
	if err := p.Ingest(context.Background(), testBotID, upd); err == nil {
		t.Fatal("expected persistence failure to surface")
	}

	// The failed delivery must not arm the dedup window.
	if err := p.Ingest(context.Background(), testBotID, upd); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	inbound := 0
	store.mu.Lock()
	for _, m := range store.messages {
		if m.Direction == dialog.DirectionInbound {
			inbound++
		}
	}
	store.mu.Unlock()
	if inbound != 1 {
		t.Fatalf("inbound messages = %d, want the redelivery persisted", inbound)
	}
}

func TestIngestClosedDialogReopensUnassigned(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	client := &fakeClient{}
	p, _ := newTestPipeline(store, client)

	d, _ := store.Create(context.Background(), dialog.CreateDialogRequest{
		TenantBotID:  testBotID,
		TenantID:     testTenantID,
		RemoteChatID: 77,
		VisitorName:  "Vera",
	})
	store.mu.Lock()
	d.Status = dialog.StatusClosed
	d.AssignedTo = "agent-1"
	d.AssignedAt = time.Now().UTC()
	store.dialogs[d.ID] = d
	store.mu.Unlock()

	if err := p.Ingest(context.Background(), testBotID, textUpdate("5", 77, "back again")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, _ := store.Get(context.Background(), d.ID)
	if got.Status != dialog.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.Assigned() {
		t.Fatal("inbound reopen must clear the assignee")
	}
	// Reopen is not a first contact, no ack.
	if len(client.sentTexts()) != 0 {
		t.Fatal("unexpected ack on reopen")
	}
}

func TestIngestAckFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	client := &fakeClient{sendFail: true}
	p, _ := newTestPipeline(store, client)

	if err := p.Ingest(context.Background(), testBotID, textUpdate("1", 77, "hello")); err != nil {
		t.Fatalf("ingest must not fail on ack error: %v", err)
	}
	if store.messageCount() != 1 {
		t.Fatalf("message count = %d, want inbound only", store.messageCount())
	}
}

func TestIngestStoresAttachment(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	p, _ := newTestPipeline(store, &fakeClient{})

	upd := textUpdate("9", 77, "see attached")
	upd.Kind = transport.KindDocument
	upd.Attachment = &transport.FileRef{FileID: "f-1", Name: "report.pdf", Mime: "application/pdf", Size: 1024}
	if err := p.Ingest(context.Background(), testBotID, upd); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	var inbound *dialog.Message
	for i := range store.messages {
		if store.messages[i].Direction == dialog.DirectionInbound {
			inbound = &store.messages[i]
		}
	}
	if inbound == nil {
		t.Fatal("inbound message missing")
	}
	if inbound.AttachmentURL != "/uploads/document/stored-report.pdf" {
		t.Fatalf("attachment url = %q", inbound.AttachmentURL)
	}
	if inbound.AttachmentName != "report.pdf" {
		t.Fatalf("attachment name = %q", inbound.AttachmentName)
	}
	if inbound.AttachmentMime != "application/pdf" || inbound.AttachmentSize != 1024 {
		t.Fatalf("attachment meta = %q %d", inbound.AttachmentMime, inbound.AttachmentSize)
	}
}

func TestIngestAttachmentFetchFailureKeepsMessage(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	p, _ := newTestPipeline(store, &fakeClient{fetchFail: true})

	upd := textUpdate("9", 77, "see attached")
	upd.Kind = transport.KindPhoto
	upd.Attachment = &transport.FileRef{FileID: "f-1", Name: "pic.jpg"}
	if err := p.Ingest(context.Background(), testBotID, upd); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.messages[0].AttachmentURL != "" {
		t.Fatal("failed fetch must leave attachment empty")
	}
	if store.messages[0].Body != "see attached" {
		t.Fatalf("body = %q", store.messages[0].Body)
	}
}

func TestIngestFetchesAvatarForNewDialog(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	client := &fakeClient{avatarURL: "https://cdn.example.com/u500.jpg"}
	p, _ := newTestPipeline(store, client)

	if err := p.Ingest(context.Background(), testBotID, textUpdate("1", 77, "hi")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	d, _ := store.FindByRemote(context.Background(), testBotID, 77)
	if d.AvatarURL != "https://cdn.example.com/u500.jpg" {
		t.Fatalf("avatar = %q", d.AvatarURL)
	}
}

func TestIngestUnknownBot(t *testing.T) {
	t.Parallel()

	store := newFakeDialogStore()
	p, _ := newTestPipeline(store, &fakeClient{})

	err := p.Ingest(context.Background(), "22222222-2222-2222-2222-222222222222", textUpdate("1", 77, "hi"))
	if !errors.Is(err, bot.ErrBotNotFound) {
		t.Fatalf("err = %v, want ErrBotNotFound", err)
	}
}
