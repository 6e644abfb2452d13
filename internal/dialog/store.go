package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskrelay/deskrelay/internal/db"
)

// Store defines the persistence operations the dialog services rely on.
// Assignment mutations are atomic: the assignee update and its audit record
// commit together or not at all.
type Store interface {
	Get(ctx context.Context, id string) (Dialog, error)
	FindByRemote(ctx context.Context, tenantBotID string, remoteChatID int64) (Dialog, error)
	Create(ctx context.Context, req CreateDialogRequest) (Dialog, error)
	// MarkInbound records inbound activity and returns the dialog plus its
	// status before the call. A closed dialog reopens with no assignee.
	MarkInbound(ctx context.Context, id string, at time.Time) (Dialog, Status, error)
	// SetAvatar stores the avatar URL only when none is set yet.
	SetAvatar(ctx context.Context, id, url string) error
	InsertMessage(ctx context.Context, req InsertMessageRequest) (Message, error)
	ListMessages(ctx context.Context, req ListMessagesRequest) ([]Message, error)
	ListDialogs(ctx context.Context, req ListDialogsRequest) ([]Dialog, error)
	ListActions(ctx context.Context, dialogID string) ([]Action, error)
	// Claim assigns the dialog to the agent unless another agent holds it.
	// Claiming an already-owned dialog is a no-op, and closed dialogs may be
	// claimed. Losing the race returns ErrAlreadyAssigned.
	Claim(ctx context.Context, id, agentID string) (Dialog, error)
	// Release clears the assignee. When expected is non-empty the clear only
	// happens while that agent still holds the dialog.
	Release(ctx context.Context, id, actorID, expected string) (Dialog, error)
	// Transfer hands the dialog to the target agent. When expected is
	// non-empty the handoff only happens while that agent still holds it.
	Transfer(ctx context.Context, id, actorID, targetID, expected string) (Dialog, error)
	Close(ctx context.Context, id, reason string) (Dialog, error)
	// Reopen returns a closed dialog to the active pool. The assignee is kept;
	// only an inbound message from the visitor clears it.
	Reopen(ctx context.Context, id string) (Dialog, error)
}

const dialogColumns = `id, tenant_bot_id, tenant_id, remote_chat_id, visitor_name,
	visitor_username, avatar_url, status, assigned_to, assigned_at,
	close_reason, closed_at, last_message_at, created_at, updated_at`

const messageColumns = `id, dialog_id, direction, author_agent_id, remote_message_id,
	kind, body, attachment_url, attachment_name, attachment_size, attachment_mime, seq, sent_at, created_at`

// PGStore implements Store on Postgres.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates a Postgres-backed dialog store.
func NewPGStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{
		pool:   pool,
		logger: log.With(slog.String("store", "dialog")),
	}
}

func (s *PGStore) Get(ctx context.Context, id string) (Dialog, error) {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return Dialog{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+dialogColumns+` FROM dialogs WHERE id = $1`, dialogID)
	return scanDialog(row)
}

func (s *PGStore) FindByRemote(ctx context.Context, tenantBotID string, remoteChatID int64) (Dialog, error) {
	botID, err := db.ParseUUID(tenantBotID)
	if err != nil {
		return Dialog{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+dialogColumns+` FROM dialogs WHERE tenant_bot_id = $1 AND remote_chat_id = $2`,
		botID, remoteChatID)
	return scanDialog(row)
}

func (s *PGStore) Create(ctx context.Context, req CreateDialogRequest) (Dialog, error) {
	botID, err := db.ParseUUID(req.TenantBotID)
	if err != nil {
		return Dialog{}, fmt.Errorf("tenant bot id: %w", err)
	}
	// Concurrent first messages from the same chat race on the unique key;
	// the conflict clause makes both arrive at the same dialog row.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO dialogs (tenant_bot_id, tenant_id, remote_chat_id, visitor_name, visitor_username, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_bot_id, remote_chat_id)
		DO UPDATE SET visitor_name = EXCLUDED.visitor_name, updated_at = now()
		RETURNING `+dialogColumns,
		botID, req.TenantID, req.RemoteChatID, req.VisitorName, req.VisitorUsername, req.AvatarURL)
	return scanDialog(row)
}

func (s *PGStore) MarkInbound(ctx context.Context, id string, at time.Time) (Dialog, Status, error) {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return Dialog{}, "", ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dialog{}, "", err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var previous string
	if err := tx.QueryRow(ctx,
		`SELECT status FROM dialogs WHERE id = $1 FOR UPDATE`, dialogID).Scan(&previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dialog{}, "", ErrNotFound
		}
		return Dialog{}, "", err
	}

	row := tx.QueryRow(ctx, `
		UPDATE dialogs SET
			status = CASE WHEN status IN ('new', 'closed') THEN 'active' ELSE status END,
			assigned_to = CASE WHEN status = 'closed' THEN NULL ELSE assigned_to END,
			assigned_at = CASE WHEN status = 'closed' THEN NULL ELSE assigned_at END,
			close_reason = '',
			closed_at = NULL,
			last_message_at = $2,
			updated_at = now()
		WHERE id = $1
		RETURNING `+dialogColumns,
		dialogID, db.PgTime(at))
	updated, err := scanDialog(row)
	if err != nil {
		return Dialog{}, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dialog{}, "", err
	}
	return updated, Status(previous), nil
}

func (s *PGStore) SetAvatar(ctx context.Context, id, url string) error {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return ErrNotFound
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE dialogs SET avatar_url = $2, updated_at = now() WHERE id = $1 AND avatar_url = ''`,
		dialogID, url)
	return err
}

func (s *PGStore) InsertMessage(ctx context.Context, req InsertMessageRequest) (Message, error) {
	dialogID, err := db.ParseUUID(req.DialogID)
	if err != nil {
		return Message{}, ErrNotFound
	}
	var author pgtype.UUID
	if req.AuthorAgentID != "" {
		author, err = db.ParseUUID(req.AuthorAgentID)
		if err != nil {
			return Message{}, fmt.Errorf("author agent id: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (dialog_id, direction, author_agent_id, remote_message_id, kind, body, attachment_url, attachment_name, attachment_size, attachment_mime, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+messageColumns,
		dialogID, string(req.Direction), author, req.RemoteMessageID, req.Kind,
		req.Body, req.AttachmentURL, req.AttachmentName, req.AttachmentSize, req.AttachmentMime, db.PgTime(req.SentAt))
	return scanMessage(row)
}

func (s *PGStore) ListMessages(ctx context.Context, req ListMessagesRequest) ([]Message, error) {
	dialogID, err := db.ParseUUID(req.DialogID)
	if err != nil {
		return nil, ErrNotFound
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before := req.Before
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE dialog_id = $1 AND created_at < $2
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`,
		dialogID, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Stored newest-first for the limit, served oldest-first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PGStore) ListDialogs(ctx context.Context, req ListDialogsRequest) ([]Dialog, error) {
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + dialogColumns + ` FROM dialogs WHERE tenant_id = $1`
	args := []any{req.TenantID}
	if req.Status != "" {
		args = append(args, string(req.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if req.AssignedTo != "" {
		assignee, err := db.ParseUUID(req.AssignedTo)
		if err != nil {
			return nil, fmt.Errorf("assignee id: %w", err)
		}
		args = append(args, assignee)
		query += fmt.Sprintf(" AND assigned_to = $%d", len(args))
	}
	args = append(args, limit, req.Offset)
	query += fmt.Sprintf(" ORDER BY last_message_at DESC NULLS LAST LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Dialog, 0, limit)
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (s *PGStore) ListActions(ctx context.Context, dialogID string) ([]Action, error) {
	id, err := db.ParseUUID(dialogID)
	if err != nil {
		return nil, ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, dialog_id, kind, actor_agent_id, target_agent_id, created_at
		FROM dialog_actions WHERE dialog_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Action, 0, 8)
	for rows.Next() {
		var (
			actionID, actionDialogID, actor pgtype.UUID
			target                          pgtype.UUID
			kind                            string
			createdAt                       pgtype.Timestamptz
		)
		if err := rows.Scan(&actionID, &actionDialogID, &kind, &actor, &target, &createdAt); err != nil {
			return nil, err
		}
		items = append(items, Action{
			ID:            db.UUIDFromPg(actionID),
			DialogID:      db.UUIDFromPg(actionDialogID),
			Kind:          ActionKind(kind),
			ActorAgentID:  db.UUIDFromPg(actor),
			TargetAgentID: db.UUIDFromPg(target),
			CreatedAt:     db.TimeFromPg(createdAt),
		})
	}
	return items, rows.Err()
}

func (s *PGStore) Claim(ctx context.Context, id, agentID string) (Dialog, error) {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return Dialog{}, ErrNotFound
	}
	agentUUID, err := db.ParseUUID(agentID)
	if err != nil {
		return Dialog{}, fmt.Errorf("agent id: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dialog{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `
		UPDATE dialogs SET
			assigned_to = $2,
			assigned_at = now(),
			status = CASE WHEN status = 'new' THEN 'active' ELSE status END,
			updated_at = now()
		WHERE id = $1 AND assigned_to IS NULL
		RETURNING `+dialogColumns,
		dialogID, agentUUID)
	claimed, err := scanDialog(row)
	if err == nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dialog_actions (dialog_id, kind, actor_agent_id) VALUES ($1, 'assigned', $2)`,
			dialogID, agentUUID); err != nil {
			return Dialog{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Dialog{}, err
		}
		return claimed, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Dialog{}, err
	}

	// The conditional update matched nothing: resolve which way it lost.
	current, err := scanDialog(tx.QueryRow(ctx, `SELECT `+dialogColumns+` FROM dialogs WHERE id = $1`, dialogID))
	if err != nil {
		return Dialog{}, err
	}
	if current.AssignedTo == agentID {
		// Idempotent re-claim by the current holder.
		return current, nil
	}
	return Dialog{}, ErrAlreadyAssigned
}

func (s *PGStore) Release(ctx context.Context, id, actorID, expected string) (Dialog, error) {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return Dialog{}, ErrNotFound
	}
	actorUUID, err := db.ParseUUID(actorID)
	if err != nil {
		return Dialog{}, fmt.Errorf("actor id: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dialog{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		UPDATE dialogs SET assigned_to = NULL, assigned_at = NULL, updated_at = now()
		WHERE id = $1 AND assigned_to IS NOT NULL`
	args := []any{dialogID}
	if expected != "" {
		expectedUUID, err := db.ParseUUID(expected)
		if err != nil {
			return Dialog{}, fmt.Errorf("expected assignee id: %w", err)
		}
		args = append(args, expectedUUID)
		query += ` AND assigned_to = $2`
	}
	row := tx.QueryRow(ctx, query+` RETURNING `+dialogColumns, args...)
	released, err := scanDialog(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.explainAssignmentMiss(ctx, tx, dialogID)
		}
		return Dialog{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dialog_actions (dialog_id, kind, actor_agent_id) VALUES ($1, 'released', $2)`,
		dialogID, actorUUID); err != nil {
		return Dialog{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dialog{}, err
	}
	return released, nil
}

func (s *PGStore) Transfer(ctx context.Context, id, actorID, targetID, expected string) (Dialog, error) {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return Dialog{}, ErrNotFound
	}
	actorUUID, err := db.ParseUUID(actorID)
	if err != nil {
		return Dialog{}, fmt.Errorf("actor id: %w", err)
	}
	targetUUID, err := db.ParseUUID(targetID)
	if err != nil {
		return Dialog{}, fmt.Errorf("%w: %s", ErrInvalidTarget, targetID)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dialog{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		UPDATE dialogs SET
			assigned_to = $2,
			assigned_at = now(),
			status = CASE WHEN status = 'new' THEN 'active' ELSE status END,
			updated_at = now()
		WHERE id = $1 AND status != 'closed'`
	args := []any{dialogID, targetUUID}
	if expected != "" {
		expectedUUID, err := db.ParseUUID(expected)
		if err != nil {
			return Dialog{}, fmt.Errorf("expected assignee id: %w", err)
		}
		args = append(args, expectedUUID)
		query += ` AND assigned_to = $3`
	}
	row := tx.QueryRow(ctx, query+` RETURNING `+dialogColumns, args...)
	transferred, err := scanDialog(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.explainAssignmentMiss(ctx, tx, dialogID)
		}
		return Dialog{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dialog_actions (dialog_id, kind, actor_agent_id, target_agent_id) VALUES ($1, 'transferred', $2, $3)`,
		dialogID, actorUUID, targetUUID); err != nil {
		return Dialog{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dialog{}, err
	}
	return transferred, nil
}

func (s *PGStore) Close(ctx context.Context, id, reason string) (Dialog, error) {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return Dialog{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE dialogs SET status = 'closed', close_reason = $2, closed_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+dialogColumns, dialogID, reason)
	return scanDialog(row)
}

func (s *PGStore) Reopen(ctx context.Context, id string) (Dialog, error) {
	dialogID, err := db.ParseUUID(id)
	if err != nil {
		return Dialog{}, ErrNotFound
	}
	// Explicit reopen keeps the assignee; only a fresh inbound message clears it.
	row := s.pool.QueryRow(ctx, `
		UPDATE dialogs SET status = 'active', close_reason = '', closed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'closed'
		RETURNING `+dialogColumns, dialogID)
	reopened, err := scanDialog(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Reopening an open dialog is a no-op.
			return s.Get(ctx, id)
		}
		return Dialog{}, err
	}
	return reopened, nil
}

// explainAssignmentMiss turns a failed conditional update into the right
// sentinel error for the caller.
func (s *PGStore) explainAssignmentMiss(ctx context.Context, tx pgx.Tx, dialogID pgtype.UUID) (Dialog, error) {
	current, err := scanDialog(tx.QueryRow(ctx, `SELECT `+dialogColumns+` FROM dialogs WHERE id = $1`, dialogID))
	if err != nil {
		return Dialog{}, err
	}
	if current.Status == StatusClosed {
		return Dialog{}, ErrClosed
	}
	return Dialog{}, ErrAlreadyAssigned
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDialog(row rowScanner) (Dialog, error) {
	var (
		id, tenantBotID      pgtype.UUID
		tenantID             string
		remoteChatID         int64
		visitorName          string
		visitorUsername      string
		avatarURL            string
		status               string
		assignedTo           pgtype.UUID
		assignedAt           pgtype.Timestamptz
		closeReason          string
		closedAt             pgtype.Timestamptz
		lastMessageAt        pgtype.Timestamptz
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &tenantBotID, &tenantID, &remoteChatID, &visitorName,
		&visitorUsername, &avatarURL, &status, &assignedTo, &assignedAt,
		&closeReason, &closedAt, &lastMessageAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dialog{}, ErrNotFound
		}
		return Dialog{}, err
	}
	return Dialog{
		ID:              db.UUIDFromPg(id),
		TenantBotID:     db.UUIDFromPg(tenantBotID),
		TenantID:        tenantID,
		RemoteChatID:    remoteChatID,
		VisitorName:     visitorName,
		VisitorUsername: visitorUsername,
		AvatarURL:       avatarURL,
		Status:          Status(status),
		AssignedTo:      db.UUIDFromPg(assignedTo),
		AssignedAt:      db.TimeFromPg(assignedAt),
		CloseReason:     closeReason,
		ClosedAt:        db.TimeFromPg(closedAt),
		LastMessageAt:   db.TimeFromPg(lastMessageAt),
		CreatedAt:       db.TimeFromPg(createdAt),
		UpdatedAt:       db.TimeFromPg(updatedAt),
	}, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		id, dialogID    pgtype.UUID
		direction       string
		author          pgtype.UUID
		remoteMessageID string
		kind, body      string
		attachmentURL   string
		attachmentName  string
		attachmentSize  int64
		attachmentMime  string
		seq             int64
		sentAt          pgtype.Timestamptz
		createdAt       pgtype.Timestamptz
	)
	err := row.Scan(&id, &dialogID, &direction, &author, &remoteMessageID,
		&kind, &body, &attachmentURL, &attachmentName, &attachmentSize, &attachmentMime, &seq, &sentAt, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	return Message{
		ID:              db.UUIDFromPg(id),
		DialogID:        db.UUIDFromPg(dialogID),
		Direction:       Direction(direction),
		AuthorAgentID:   db.UUIDFromPg(author),
		RemoteMessageID: remoteMessageID,
		Kind:            kind,
		Body:            body,
		AttachmentURL:   attachmentURL,
		AttachmentName:  attachmentName,
		AttachmentSize:  attachmentSize,
		AttachmentMime:  attachmentMime,
		Seq:             seq,
		SentAt:          db.TimeFromPg(sentAt),
		CreatedAt:       db.TimeFromPg(createdAt),
	}, nil
}
