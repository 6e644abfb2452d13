package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/transport"
)

var errUpdatesClosed = errors.New("update stream closed")

// InboundHandler consumes normalized updates from a bot session.
type InboundHandler func(ctx context.Context, tenantBotID string, upd transport.Update) error

// enabledLister lists the bots that should be online. Used by the periodic
// reconcile loop.
type enabledLister interface {
	ListEnabled(ctx context.Context) ([]TenantBot, error)
}

type handle struct {
	bot    TenantBot
	client transport.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the live transport sessions, one per enabled bot. Activation
// is serialized per bot so concurrent re-registrations cannot start duplicate
// polling sessions against the same token.
type Registry struct {
	logger          *slog.Logger
	factory         transport.Factory
	handler         InboundHandler
	store           enabledLister
	publicURL       string
	refreshInterval time.Duration

	mu        sync.Mutex
	refreshMu sync.Mutex
	handles   map[string]*handle
	meta      map[string]Status
	keys      map[string]*sync.Mutex
}

// NewRegistry creates a bot registry. publicURL enables webhook mode; when
// empty every bot falls back to polling.
func NewRegistry(log *slog.Logger, factory transport.Factory, store enabledLister, publicURL string) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		logger:          log.With(slog.String("component", "bot")),
		factory:         factory,
		store:           store,
		publicURL:       strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		refreshInterval: 5 * time.Minute,
		handles:         map[string]*handle{},
		meta:            map[string]Status{},
		keys:            map[string]*sync.Mutex{},
	}
}

// SetHandler wires the inbound consumer. Must be called before Start.
func (r *Registry) SetHandler(handler InboundHandler) {
	r.handler = handler
}

// keyFor returns the per-bot activation lock, creating it on first use.
func (r *Registry) keyFor(tenantBotID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[tenantBotID]
	if !ok {
		key = &sync.Mutex{}
		r.keys[tenantBotID] = key
	}
	return key
}

// Start reconciles sessions against the persisted roster and keeps them in
// sync with a periodic refresh. Used at startup and as a safety net; targeted
// changes go through Activate / Deactivate.
func (r *Registry) Start(ctx context.Context) {
	r.logger.Info("registry start")
	go func() {
		r.refresh(ctx)
		ticker := time.NewTicker(r.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("registry stop")
				r.stopAll(context.Background())
				return
			case <-ticker.C:
				r.refresh(ctx)
			}
		}
	}()
}

func (r *Registry) refresh(ctx context.Context) {
	// Serialize refresh calls so concurrent callers wait instead of silently skipping.
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if r.store == nil {
		return
	}
	bots, err := r.store.ListEnabled(ctx)
	if err != nil {
		r.logger.Error("list enabled bots failed", slog.Any("error", err))
		return
	}
	active := map[string]struct{}{}
	for _, b := range bots {
		active[b.ID] = struct{}{}
		if _, err := r.Activate(ctx, b); err != nil {
			r.logger.Error("bot start failed",
				slog.String("tenant_bot_id", b.ID),
				slog.String("tenant_id", b.TenantID),
				slog.Any("error", err))
		}
	}

	r.mu.Lock()
	stale := make([]string, 0)
	for id := range r.handles {
		if _, ok := active[id]; !ok {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		if err := r.Deactivate(ctx, id); err != nil {
			r.logger.Warn("bot stop failed", slog.String("tenant_bot_id", id), slog.Any("error", err))
		}
	}
}

// Activate brings the bot online: the token is probed first, then the update
// strategy for its mode is started. Re-activating an unchanged bot is a
// no-op; a changed record tears the old session down first. The discovered
// bot profile is returned so callers can persist the username.
func (r *Registry) Activate(ctx context.Context, b TenantBot) (transport.BotProfile, error) {
	if r.factory == nil || r.handler == nil {
		return transport.BotProfile{}, fmt.Errorf("registry not configured")
	}
	key := r.keyFor(b.ID)
	key.Lock()
	defer key.Unlock()

	r.mu.Lock()
	existing := r.handles[b.ID]
	r.mu.Unlock()

	// Record unchanged and session alive: nothing to do.
	if existing != nil && !existing.bot.UpdatedAt.Before(b.UpdatedAt) {
		r.markStatus(existing.bot, existing.client, true, nil)
		return existing.client.Self(), nil
	}
	if existing != nil {
		r.logger.Info("bot restart", slog.String("tenant_bot_id", b.ID))
		r.teardown(ctx, existing)
		r.mu.Lock()
		delete(r.handles, b.ID)
		r.mu.Unlock()
	}

	client, err := r.factory(ctx, b.Token)
	if err != nil {
		r.markStatus(b, nil, false, err)
		return transport.BotProfile{}, fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	// Decouple the session lifetime from the request context that triggered
	// the activation.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{bot: b, client: client, cancel: cancel, done: make(chan struct{})}

	if b.Mode == ModeWebhook && r.publicURL != "" {
		if err := client.RegisterWebhook(ctx, r.webhookURL(b.ID)); err != nil {
			cancel()
			r.markStatus(b, client, false, err)
			return transport.BotProfile{}, fmt.Errorf("%w: %w", ErrActivateFailed, err)
		}
		close(h.done)
	} else {
		updates, err := client.Updates(runCtx)
		if err != nil {
			cancel()
			r.markStatus(b, client, false, err)
			return transport.BotProfile{}, fmt.Errorf("%w: %w", ErrActivateFailed, err)
		}
		go r.pump(runCtx, h, updates)
	}

	r.mu.Lock()
	r.handles[b.ID] = h
	r.mu.Unlock()
	r.markStatus(b, client, true, nil)
	r.logger.Info("bot online",
		slog.String("tenant_bot_id", b.ID),
		slog.String("tenant_id", b.TenantID),
		slog.String("username", client.Self().Username),
		slog.String("mode", string(b.Mode)))
	return client.Self(), nil
}

// pump consumes updates sequentially so messages from one chat keep their
// arrival order.
func (r *Registry) pump(ctx context.Context, h *handle, updates <-chan transport.Update) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				// The update stream died underneath us. Drop the handle so
				// the next refresh brings the bot back instead of treating
				// the dead session as alive.
				h.cancel()
				if r.dropHandle(h) {
					r.logger.Warn("bot update stream closed", slog.String("tenant_bot_id", h.bot.ID))
					r.markStatus(h.bot, h.client, false, errUpdatesClosed)
				}
				return
			}
			if err := r.handler(ctx, h.bot.ID, upd); err != nil {
				r.logger.Error("handle inbound failed",
					slog.String("tenant_bot_id", h.bot.ID),
					slog.String("remote_message_id", upd.RemoteMessageID),
					slog.Any("error", err))
			}
		}
	}
}

// dropHandle removes h from the registry if it is still the registered
// session for its bot. A replacement installed by a restart stays put,
// and a handle already removed by Deactivate reports false.
func (r *Registry) dropHandle(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.bot.ID] != h {
		return false
	}
	delete(r.handles, h.bot.ID)
	return true
}

// Deactivate takes the bot offline. Deactivating an absent bot is a no-op.
func (r *Registry) Deactivate(ctx context.Context, tenantBotID string) error {
	key := r.keyFor(tenantBotID)
	key.Lock()
	defer key.Unlock()

	r.mu.Lock()
	h := r.handles[tenantBotID]
	delete(r.handles, tenantBotID)
	delete(r.meta, tenantBotID)
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	r.logger.Info("bot offline", slog.String("tenant_bot_id", tenantBotID))
	r.teardown(ctx, h)
	return nil
}

func (r *Registry) teardown(ctx context.Context, h *handle) {
	if h.bot.Mode == ModeWebhook && r.publicURL != "" {
		if err := h.client.ClearWebhook(ctx); err != nil {
			r.logger.Warn("clear webhook failed",
				slog.String("tenant_bot_id", h.bot.ID),
				slog.Any("error", err))
		}
	}
	h.client.StopUpdates()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("bot session drain timed out", slog.String("tenant_bot_id", h.bot.ID))
	}
}

func (r *Registry) stopAll(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
		delete(r.meta, id)
	}
	r.mu.Unlock()
	for _, h := range handles {
		r.teardown(ctx, h)
	}
}

// Client returns the live transport session for the bot.
func (r *Registry) Client(tenantBotID string) (transport.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantBotID]
	if !ok {
		return nil, false
	}
	return h.client, true
}

// Statuses returns the observed session statuses for a tenant.
func (r *Registry) Statuses(tenantID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]Status, 0, len(r.meta))
	for _, status := range r.meta {
		if status.TenantID == tenantID {
			items = append(items, status)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TenantBotID < items[j].TenantBotID })
	return items
}

func (r *Registry) webhookURL(tenantBotID string) string {
	return r.publicURL + "/telegram/webhook/" + tenantBotID
}

func (r *Registry) markStatus(b TenantBot, client transport.Client, running bool, checkErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{
		TenantBotID: b.ID,
		TenantID:    b.TenantID,
		Username:    b.Username,
		Mode:        b.Mode,
		Running:     running,
		UpdatedAt:   time.Now().UTC(),
	}
	if client != nil {
		status.Username = client.Self().Username
	}
	if checkErr != nil {
		status.LastError = checkErr.Error()
	}
	r.meta[b.ID] = status
}
