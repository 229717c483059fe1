package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voiceforge/forge/pkg/agent"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the durable agent registry.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects, runs pending migrations, and returns the store.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("agent registry ready", "backend", "postgres")
	return &Postgres{pool: pool, logger: logger}, nil
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Postgres) Upsert(ctx context.Context, rec agent.Record) error {
	if rec.AgentID == "" {
		return errors.New("agent id is required")
	}
	status := rec.Status
	if status == "" {
		status = "active"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, session_id, tenant_id, name, deployment_url, voice_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			session_id     = EXCLUDED.session_id,
			tenant_id      = EXCLUDED.tenant_id,
			name           = EXCLUDED.name,
			deployment_url = EXCLUDED.deployment_url,
			voice_id       = EXCLUDED.voice_id,
			status         = EXCLUDED.status,
			updated_at     = now()`,
		rec.AgentID, rec.SessionID, rec.TenantID, rec.Name, rec.DeploymentURL, rec.VoiceID, status)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", rec.AgentID, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, agentID string) (agent.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, session_id, tenant_id, name, deployment_url, voice_id, status, created_at, updated_at
		FROM agents WHERE agent_id = $1`, agentID)

	var rec agent.Record
	err := row.Scan(&rec.AgentID, &rec.SessionID, &rec.TenantID, &rec.Name,
		&rec.DeploymentURL, &rec.VoiceID, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.Record{}, ErrNotFound
	}
	if err != nil {
		return agent.Record{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return rec, nil
}

func (s *Postgres) List(ctx context.Context, tenantID string) ([]agent.Record, error) {
	query := `
		SELECT agent_id, session_id, tenant_id, name, deployment_url, voice_id, status, created_at, updated_at
		FROM agents`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, agent_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Record
	for rows.Next() {
		var rec agent.Record
		if err := rows.Scan(&rec.AgentID, &rec.SessionID, &rec.TenantID, &rec.Name,
			&rec.DeploymentURL, &rec.VoiceID, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}
