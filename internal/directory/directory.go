// Package directory provides read access to the tenant's agent roster.
package directory

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskrelay/deskrelay/internal/db"
)

// Role controls what an agent may do with dialogs held by others.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAgent Role = "agent"
)

// ErrAgentNotFound indicates no agent with the given id exists in the tenant.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is one member of a tenant's support team.
type Agent struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Active      bool   `json:"active"`
}

// Privileged reports whether the agent may act on dialogs held by others.
func (a Agent) Privileged() bool { return a.Role == RoleOwner }

// Service looks up agents.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a directory service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "directory")),
	}
}

// Get returns the agent scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, agentID string) (Agent, error) {
	id, err := db.ParseUUID(agentID)
	if err != nil {
		return Agent{}, ErrAgentNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, display_name, role, active FROM agents WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanAgent(row)
}

// List returns all agents of the tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, display_name, role, active FROM agents WHERE tenant_id = $1 ORDER BY display_name`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Agent, 0, 8)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, agent)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var (
		id          pgtype.UUID
		tenantID    string
		displayName string
		role        string
		active      bool
	)
	if err := row.Scan(&id, &tenantID, &displayName, &role, &active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	return Agent{
		ID:          db.UUIDFromPg(id),
		TenantID:    tenantID,
		DisplayName: displayName,
		Role:        Role(role),
		Active:      active,
	}, nil
}
