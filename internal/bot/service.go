package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Service owns the bot lifecycle: registry records in the database plus the
// live session in the Registry, kept consistent by rolling the database back
// when activation fails.
type Service struct {
	logger   *slog.Logger
	store    Store
	registry *Registry
}

func NewService(log *slog.Logger, store Store, registry *Registry) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger:   log.With(slog.String("service", "bot")),
		store:    store,
		registry: registry,
	}
}

// Register connects a bot token to a tenant. Re-registering an existing token
// updates the mode and re-enables the bot. The token is validated against the
// platform before the call succeeds; a bad token leaves no record behind.
func (s *Service) Register(ctx context.Context, req UpsertRequest) (TenantBot, error) {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		return TenantBot{}, fmt.Errorf("token is required")
	}
	if req.Mode == "" {
		req.Mode = ModePolling
	}
	if req.Mode != ModePolling && req.Mode != ModeWebhook {
		return TenantBot{}, fmt.Errorf("unknown mode %q", req.Mode)
	}

	var prev TenantBot
	var err error
	existed := false
	if req.ID != "" {
		prev, err = s.store.Get(ctx, req.ID)
	} else {
		prev, err = s.store.FindByToken(ctx, req.TenantID, req.Token)
	}
	switch {
	case err == nil:
		if prev.TenantID != req.TenantID {
			return TenantBot{}, ErrBotNotFound
		}
		existed = true
		req.ID = prev.ID
	case !errors.Is(err, ErrBotNotFound):
		return TenantBot{}, fmt.Errorf("find bot: %w", err)
	}

	b, err := s.store.Upsert(ctx, req)
	if err != nil {
		return TenantBot{}, fmt.Errorf("save bot: %w", err)
	}

	profile, err := s.registry.Activate(ctx, b)
	if err != nil {
		s.rollbackRegister(ctx, b, prev, existed)
		return TenantBot{}, err
	}

	if err := s.store.UpdateProfile(ctx, b.ID, profile.Username, profile.Name); err != nil {
		s.logger.Warn("store bot profile failed",
			slog.String("tenant_bot_id", b.ID),
			slog.Any("error", err))
	} else {
		b.Username = profile.Username
		b.DisplayName = profile.Name
	}
	return b, nil
}

// rollbackRegister undoes the Upsert after a failed activation: a fresh
// record is deleted, a changed one is restored to its previous state.
func (s *Service) rollbackRegister(ctx context.Context, b TenantBot, prev TenantBot, existed bool) {
	if !existed {
		if err := s.store.Delete(ctx, b.ID); err != nil {
			s.logger.Error("rollback delete failed",
				slog.String("tenant_bot_id", b.ID),
				slog.Any("error", err))
		}
		return
	}
	if _, err := s.store.Upsert(ctx, UpsertRequest{
		ID:       prev.ID,
		TenantID: prev.TenantID,
		Token:    prev.Token,
		Mode:     prev.Mode,
	}); err != nil {
		s.logger.Error("rollback restore failed",
			slog.String("tenant_bot_id", b.ID),
			slog.Any("error", err))
		return
	}
	if !prev.Enabled {
		if _, err := s.store.SetEnabled(ctx, prev.ID, false); err != nil {
			s.logger.Error("rollback disable failed",
				slog.String("tenant_bot_id", prev.ID),
				slog.Any("error", err))
		}
	}
}

// Remove disconnects and deletes the bot. Existing dialogs keep their
// history; only the live session and the registration go away.
func (s *Service) Remove(ctx context.Context, tenantID, tenantBotID string) error {
	b, err := s.store.Get(ctx, tenantBotID)
	if err != nil {
		return err
	}
	if b.TenantID != tenantID {
		return ErrBotNotFound
	}
	if err := s.registry.Deactivate(ctx, tenantBotID); err != nil {
		s.logger.Warn("deactivate failed",
			slog.String("tenant_bot_id", tenantBotID),
			slog.Any("error", err))
	}
	return s.store.Delete(ctx, tenantBotID)
}

// SetEnabled pauses or resumes a bot without losing its registration.
func (s *Service) SetEnabled(ctx context.Context, tenantID, tenantBotID string, enabled bool) (TenantBot, error) {
	b, err := s.store.Get(ctx, tenantBotID)
	if err != nil {
		return TenantBot{}, err
	}
	if b.TenantID != tenantID {
		return TenantBot{}, ErrBotNotFound
	}
	if b.Enabled == enabled {
		return b, nil
	}
	b, err = s.store.SetEnabled(ctx, tenantBotID, enabled)
	if err != nil {
		return TenantBot{}, fmt.Errorf("update bot: %w", err)
	}

	if !enabled {
		if err := s.registry.Deactivate(ctx, tenantBotID); err != nil {
			s.logger.Warn("deactivate failed",
				slog.String("tenant_bot_id", tenantBotID),
				slog.Any("error", err))
		}
		return b, nil
	}
	if _, err := s.registry.Activate(ctx, b); err != nil {
		if _, rbErr := s.store.SetEnabled(ctx, tenantBotID, false); rbErr != nil {
			s.logger.Error("rollback disable failed",
				slog.String("tenant_bot_id", tenantBotID),
				slog.Any("error", rbErr))
		}
		return TenantBot{}, err
	}
	return b, nil
}

// List returns the tenant's registered bots.
func (s *Service) List(ctx context.Context, tenantID string) ([]TenantBot, error) {
	return s.store.List(ctx, tenantID)
}

// Get returns a single bot scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, tenantBotID string) (TenantBot, error) {
	b, err := s.store.Get(ctx, tenantBotID)
	if err != nil {
		return TenantBot{}, err
	}
	if b.TenantID != tenantID {
		return TenantBot{}, ErrBotNotFound
	}
	return b, nil
}

// Statuses returns live session state alongside the stored records.
func (s *Service) Statuses(tenantID string) []Status {
	return s.registry.Statuses(tenantID)
}
