package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deskrelay/deskrelay/internal/directory"
	"github.com/deskrelay/deskrelay/internal/notify"
	"github.com/deskrelay/deskrelay/internal/transport"
)

const sendTimeout = 15 * time.Second

// agentDirectory resolves acting agents and transfer targets.
type agentDirectory interface {
	Get(ctx context.Context, tenantID, agentID string) (directory.Agent, error)
}

// clientSource hands out the live transport session for a tenant bot.
type clientSource interface {
	Client(tenantBotID string) (transport.Client, bool)
}

// Service enforces the assignment rules on top of the store and pushes
// outbound replies through the bot transport.
type Service struct {
	logger    *slog.Logger
	store     Store
	agents    agentDirectory
	clients   clientSource
	publisher notify.Publisher
}

// NewService creates the dialog service.
func NewService(log *slog.Logger, store Store, agents agentDirectory, clients clientSource, publisher notify.Publisher) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger:    log.With(slog.String("service", "dialog")),
		store:     store,
		agents:    agents,
		clients:   clients,
		publisher: publisher,
	}
}

// resolveActor loads the acting agent and rejects inactive accounts.
func (s *Service) resolveActor(ctx context.Context, tenantID, agentID string) (directory.Agent, error) {
	actor, err := s.agents.Get(ctx, tenantID, agentID)
	if err != nil {
		if errors.Is(err, directory.ErrAgentNotFound) {
			return directory.Agent{}, ErrForbidden
		}
		return directory.Agent{}, err
	}
	if !actor.Active {
		return directory.Agent{}, ErrForbidden
	}
	return actor, nil
}

// getScoped loads the dialog and hides dialogs of other tenants.
func (s *Service) getScoped(ctx context.Context, tenantID, dialogID string) (Dialog, error) {
	d, err := s.store.Get(ctx, dialogID)
	if err != nil {
		return Dialog{}, err
	}
	if d.TenantID != tenantID {
		return Dialog{}, ErrNotFound
	}
	return d, nil
}

// Get returns one dialog of the agent's tenant.
func (s *Service) Get(ctx context.Context, tenantID, dialogID string) (Dialog, error) {
	return s.getScoped(ctx, tenantID, dialogID)
}

// List returns the tenant's dialogs, optionally filtered.
func (s *Service) List(ctx context.Context, req ListDialogsRequest) ([]Dialog, error) {
	return s.store.ListDialogs(ctx, req)
}

// Messages returns a page of the dialog transcript, oldest first.
func (s *Service) Messages(ctx context.Context, tenantID string, req ListMessagesRequest) ([]Message, error) {
	if _, err := s.getScoped(ctx, tenantID, req.DialogID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, req)
}

// Actions returns the dialog's assignment audit trail, oldest first.
func (s *Service) Actions(ctx context.Context, tenantID, dialogID string) ([]Action, error) {
	if _, err := s.getScoped(ctx, tenantID, dialogID); err != nil {
		return nil, err
	}
	return s.store.ListActions(ctx, dialogID)
}

// Claim assigns the dialog to the calling agent. Exactly one caller wins a
// concurrent claim; losers receive ErrAlreadyAssigned.
func (s *Service) Claim(ctx context.Context, tenantID, agentID, dialogID string) (Dialog, error) {
	actor, err := s.resolveActor(ctx, tenantID, agentID)
	if err != nil {
		return Dialog{}, err
	}
	if _, err := s.getScoped(ctx, tenantID, dialogID); err != nil {
		return Dialog{}, err
	}
	claimed, err := s.store.Claim(ctx, dialogID, actor.ID)
	if err != nil {
		return Dialog{}, err
	}
	s.publish(notify.EventDialogAssigned, claimed, map[string]any{
		"agent_id": actor.ID,
	})
	return claimed, nil
}

// Release returns the dialog to the unassigned pool. A regular agent may only
// release a dialog they hold; owners may release anyone's.
func (s *Service) Release(ctx context.Context, tenantID, agentID, dialogID string) (Dialog, error) {
	actor, err := s.resolveActor(ctx, tenantID, agentID)
	if err != nil {
		return Dialog{}, err
	}
	d, err := s.getScoped(ctx, tenantID, dialogID)
	if err != nil {
		return Dialog{}, err
	}
	if !d.Assigned() {
		return d, nil
	}
	expected := ""
	if !actor.Privileged() {
		if d.AssignedTo != actor.ID {
			return Dialog{}, ErrForbidden
		}
		expected = actor.ID
	}
	released, err := s.store.Release(ctx, dialogID, actor.ID, expected)
	if err != nil {
		if errors.Is(err, ErrAlreadyAssigned) {
			// The holder changed between the read and the clear.
			return Dialog{}, ErrForbidden
		}
		return Dialog{}, err
	}
	s.publish(notify.EventDialogReleased, released, map[string]any{
		"agent_id": actor.ID,
	})
	return released, nil
}

// Transfer hands the dialog to another agent of the same tenant. Only
// privileged agents may transfer, and only to an active agent.
func (s *Service) Transfer(ctx context.Context, tenantID, agentID, dialogID, targetID string) (Dialog, error) {
	actor, err := s.resolveActor(ctx, tenantID, agentID)
	if err != nil {
		return Dialog{}, err
	}
	if !actor.Privileged() {
		return Dialog{}, ErrForbidden
	}
	if _, err := s.getScoped(ctx, tenantID, dialogID); err != nil {
		return Dialog{}, err
	}
	target, err := s.agents.Get(ctx, tenantID, targetID)
	if err != nil || !target.Active {
		return Dialog{}, fmt.Errorf("%w: %s", ErrInvalidTarget, targetID)
	}
	transferred, err := s.store.Transfer(ctx, dialogID, actor.ID, target.ID, "")
	if err != nil {
		return Dialog{}, err
	}
	s.publish(notify.EventDialogTransferred, transferred, map[string]any{
		"agent_id":        actor.ID,
		"target_agent_id": target.ID,
	})
	return transferred, nil
}

// Close marks the dialog closed. Any active agent of the tenant may close it;
// closing an already-closed dialog is a no-op.
func (s *Service) Close(ctx context.Context, tenantID, agentID, dialogID, reason string) (Dialog, error) {
	actor, err := s.resolveActor(ctx, tenantID, agentID)
	if err != nil {
		return Dialog{}, err
	}
	d, err := s.getScoped(ctx, tenantID, dialogID)
	if err != nil {
		return Dialog{}, err
	}
	if d.Status == StatusClosed {
		return d, nil
	}
	closed, err := s.store.Close(ctx, dialogID, reason)
	if err != nil {
		return Dialog{}, err
	}
	s.publish(notify.EventDialogClosed, closed, map[string]any{
		"agent_id": actor.ID,
		"reason":   reason,
	})
	return closed, nil
}

// Reopen returns a closed dialog to the active pool keeping its assignee.
func (s *Service) Reopen(ctx context.Context, tenantID, agentID, dialogID string) (Dialog, error) {
	actor, err := s.resolveActor(ctx, tenantID, agentID)
	if err != nil {
		return Dialog{}, err
	}
	d, err := s.getScoped(ctx, tenantID, dialogID)
	if err != nil {
		return Dialog{}, err
	}
	if d.Status != StatusClosed {
		return d, nil
	}
	reopened, err := s.store.Reopen(ctx, dialogID)
	if err != nil {
		return Dialog{}, err
	}
	s.publish(notify.EventDialogReopened, reopened, map[string]any{
		"agent_id": actor.ID,
	})
	return reopened, nil
}

// Reply sends an agent message into the dialog. Replying to an unassigned
// dialog claims it first. An owner replying into another agent's dialog does
// not take it over; the reply is prefixed with the owner's name so the
// visitor knows who spoke. A regular agent gets ErrDialogLocked instead.
func (s *Service) Reply(ctx context.Context, tenantID, agentID, dialogID, text string) (Message, error) {
	actor, err := s.resolveActor(ctx, tenantID, agentID)
	if err != nil {
		return Message{}, err
	}
	d, err := s.getScoped(ctx, tenantID, dialogID)
	if err != nil {
		return Message{}, err
	}

	// Replying to a closed dialog is allowed; closing gates nothing but the
	// status itself, and agents often follow up right after resolving.
	body := text
	switch {
	case !d.Assigned():
		claimed, err := s.store.Claim(ctx, dialogID, actor.ID)
		if err != nil {
			if errors.Is(err, ErrAlreadyAssigned) {
				return Message{}, ErrAlreadyAssigned
			}
			return Message{}, err
		}
		d = claimed
		s.publish(notify.EventDialogAssigned, claimed, map[string]any{
			"agent_id": actor.ID,
		})
	case d.AssignedTo == actor.ID:
		// Normal reply by the holder.
	case actor.Privileged():
		body = "[" + actor.DisplayName + "]: " + text
	default:
		return Message{}, ErrDialogLocked
	}

	remoteID, sendErr := s.deliver(ctx, d, body)
	msg, err := s.store.InsertMessage(ctx, InsertMessageRequest{
		DialogID:        d.ID,
		Direction:       DirectionOutbound,
		AuthorAgentID:   actor.ID,
		Kind:            string(transport.KindText),
		Body:            body,
		RemoteMessageID: remoteID,
		SentAt:          time.Now().UTC(),
	})
	if err != nil {
		return Message{}, err
	}
	s.publish(notify.EventDialogMessage, d, msg)
	if sendErr != nil {
		s.logger.Warn("reply delivery failed",
			slog.String("dialog_id", d.ID),
			slog.Any("error", sendErr))
		return msg, fmt.Errorf("deliver reply: %w", sendErr)
	}
	return msg, nil
}

func (s *Service) deliver(ctx context.Context, d Dialog, text string) (string, error) {
	client, ok := s.clients.Client(d.TenantBotID)
	if !ok {
		return "", fmt.Errorf("bot %s is not active", d.TenantBotID)
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return client.SendText(sendCtx, d.RemoteChatID, text)
}

func (s *Service) publish(eventType string, d Dialog, payload any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(notify.Event{
		Type:     eventType,
		TenantID: d.TenantID,
		Payload: map[string]any{
			"dialog": d,
			"detail": payload,
		},
	})
}
