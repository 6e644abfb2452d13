// Package db holds the pgx connection pool plus small pgtype conversion
// helpers shared by the persistence layers.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskrelay/deskrelay/internal/config"
)

// Open connects to Postgres and verifies the connection with a ping.
func Open(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pool, nil
}

// ParseUUID converts a string into a pgtype.UUID.
func ParseUUID(value string) (pgtype.UUID, error) {
	var id pgtype.UUID
	if err := id.Scan(value); err != nil {
		return pgtype.UUID{}, fmt.Errorf("invalid uuid %q: %w", value, err)
	}
	return id, nil
}

// TimeFromPg converts a pgtype.Timestamptz into a time.Time, zero when null.
func TimeFromPg(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time
}

// PgTime converts a time.Time into a pgtype.Timestamptz, null when zero.
func PgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

// PgText converts a string into a pgtype.Text, null when empty.
func PgText(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}

// TextFromPg converts a pgtype.Text into a string, empty when null.
func TextFromPg(value pgtype.Text) string {
	if !value.Valid {
		return ""
	}
	return value.String
}

// UUIDFromPg converts a pgtype.UUID into its string form, empty when null.
func UUIDFromPg(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return id.String()
}
