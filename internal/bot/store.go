package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskrelay/deskrelay/internal/db"
)

// Store persists the tenant bot roster.
type Store interface {
	Upsert(ctx context.Context, req UpsertRequest) (TenantBot, error)
	Get(ctx context.Context, id string) (TenantBot, error)
	FindByToken(ctx context.Context, tenantID, token string) (TenantBot, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, tenantID string) ([]TenantBot, error)
	ListEnabled(ctx context.Context) ([]TenantBot, error)
	UpdateProfile(ctx context.Context, id, username, displayName string) error
	SetEnabled(ctx context.Context, id string, enabled bool) (TenantBot, error)
}

const botColumns = `id, tenant_id, token, username, display_name, mode, enabled, created_at, updated_at`

// PGStore implements Store on Postgres.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates a Postgres-backed bot store.
func NewPGStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{
		pool:   pool,
		logger: log.With(slog.String("store", "bot")),
	}
}

func (s *PGStore) Upsert(ctx context.Context, req UpsertRequest) (TenantBot, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModePolling
	}
	var botID pgtype.UUID
	if req.ID != "" {
		parsed, err := db.ParseUUID(req.ID)
		if err != nil {
			return TenantBot{}, fmt.Errorf("bot id: %w", err)
		}
		botID = parsed
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenant_bots (id, tenant_id, token, mode, enabled)
		VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, TRUE)
		ON CONFLICT (id)
		DO UPDATE SET token = EXCLUDED.token, mode = EXCLUDED.mode, enabled = TRUE, updated_at = now()
		RETURNING `+botColumns,
		botID, req.TenantID, req.Token, string(mode))
	return scanBot(row)
}

func (s *PGStore) Get(ctx context.Context, id string) (TenantBot, error) {
	botID, err := db.ParseUUID(id)
	if err != nil {
		return TenantBot{}, ErrBotNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM tenant_bots WHERE id = $1`, botID)
	return scanBot(row)
}

func (s *PGStore) FindByToken(ctx context.Context, tenantID, token string) (TenantBot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+botColumns+` FROM tenant_bots WHERE tenant_id = $1 AND token = $2`, tenantID, token)
	return scanBot(row)
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	botID, err := db.ParseUUID(id)
	if err != nil {
		return ErrBotNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenant_bots WHERE id = $1`, botID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, tenantID string) ([]TenantBot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+botColumns+` FROM tenant_bots WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectBots(rows)
}

func (s *PGStore) ListEnabled(ctx context.Context) ([]TenantBot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+botColumns+` FROM tenant_bots WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collectBots(rows)
}

func (s *PGStore) UpdateProfile(ctx context.Context, id, username, displayName string) error {
	botID, err := db.ParseUUID(id)
	if err != nil {
		return ErrBotNotFound
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE tenant_bots SET username = $2, display_name = $3, updated_at = now() WHERE id = $1`,
		botID, username, displayName)
	return err
}

func (s *PGStore) SetEnabled(ctx context.Context, id string, enabled bool) (TenantBot, error) {
	botID, err := db.ParseUUID(id)
	if err != nil {
		return TenantBot{}, ErrBotNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE tenant_bots SET enabled = $2, updated_at = now() WHERE id = $1
		RETURNING `+botColumns,
		botID, enabled)
	return scanBot(row)
}

func collectBots(rows pgx.Rows) ([]TenantBot, error) {
	defer rows.Close()
	items := make([]TenantBot, 0, 8)
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, bot)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (TenantBot, error) {
	var (
		id                   pgtype.UUID
		tenantID             string
		token                string
		username             string
		displayName          string
		mode                 string
		enabled              bool
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &tenantID, &token, &username, &displayName, &mode, &enabled, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantBot{}, ErrBotNotFound
		}
		return TenantBot{}, fmt.Errorf("scan bot: %w", err)
	}
	return TenantBot{
		ID:          db.UUIDFromPg(id),
		TenantID:    tenantID,
		Token:       token,
		Username:    username,
		DisplayName: displayName,
		Mode:        Mode(mode),
		Enabled:     enabled,
		CreatedAt:   db.TimeFromPg(createdAt),
		UpdatedAt:   db.TimeFromPg(updatedAt),
	}, nil
}
