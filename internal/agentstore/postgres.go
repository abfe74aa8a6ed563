// Package agentstore persists agent configuration snapshots in PostgreSQL.
//
// The call server is read-mostly: a snapshot is loaded once per call and
// never mutated mid-call. Writes exist for the provisioning path (importing
// agents from config files or an admin API).
package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxloop/voxloop/internal/flow"
)

// ErrNotFound is returned by LoadAgent for an unknown agent ID.
var ErrNotFound = errors.New("agentstore: agent not found")

// Schema is the SQL DDL for the agents table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                 TEXT PRIMARY KEY,
    user_id            TEXT NOT NULL DEFAULT '',
    name               TEXT NOT NULL DEFAULT '',
    type               TEXT NOT NULL DEFAULT 'single_prompt',
    system_prompt      TEXT NOT NULL DEFAULT '',
    greeting           TEXT NOT NULL DEFAULT '',
    flow               JSONB NOT NULL DEFAULT '[]',
    settings           JSONB NOT NULL DEFAULT '{}',
    has_knowledge_base BOOLEAN NOT NULL DEFAULT false,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore stores agent snapshots in PostgreSQL, with the flow graph
// and settings serialised as JSONB.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store over the given connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate] to ensure the
// schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agentstore: migrate: %w", err)
	}
	return nil
}

// LoadAgent returns the indexed snapshot for id, or ErrNotFound.
func (s *PostgresStore) LoadAgent(ctx context.Context, id string) (*flow.Agent, error) {
	const query = `
		SELECT id, user_id, name, type, system_prompt, greeting,
		       flow, settings, has_knowledge_base
		FROM agents
		WHERE id = $1`

	var a flow.Agent
	var flowJSON, settingsJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.UserID, &a.Name, &a.Type, &a.SystemPrompt, &a.Greeting,
		&flowJSON, &settingsJSON, &a.HasKnowledgeBase,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agentstore: load %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("agentstore: load %q: %w", id, err)
	}

	if err := json.Unmarshal(flowJSON, &a.Flow); err != nil {
		return nil, fmt.Errorf("agentstore: unmarshal flow: %w", err)
	}
	if err := json.Unmarshal(settingsJSON, &a.Settings); err != nil {
		return nil, fmt.Errorf("agentstore: unmarshal settings: %w", err)
	}
	if err := a.Index(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Upsert creates or replaces an agent snapshot. This is the import path for
// agents defined in config files.
func (s *PostgresStore) Upsert(ctx context.Context, a *flow.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agentstore: agent has no id")
	}
	if a.Type != flow.AgentSinglePrompt && a.Type != flow.AgentCallFlow {
		return fmt.Errorf("agentstore: agent %q has unknown type %q", a.ID, a.Type)
	}

	flowJSON, err := json.Marshal(emptyFlow(a.Flow))
	if err != nil {
		return fmt.Errorf("agentstore: marshal flow: %w", err)
	}
	settingsJSON, err := json.Marshal(a.Settings)
	if err != nil {
		return fmt.Errorf("agentstore: marshal settings: %w", err)
	}

	const query = `
		INSERT INTO agents (
			id, user_id, name, type, system_prompt, greeting,
			flow, settings, has_knowledge_base
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			system_prompt = EXCLUDED.system_prompt,
			greeting = EXCLUDED.greeting,
			flow = EXCLUDED.flow,
			settings = EXCLUDED.settings,
			has_knowledge_base = EXCLUDED.has_knowledge_base,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query,
		a.ID, a.UserID, a.Name, a.Type, a.SystemPrompt, a.Greeting,
		flowJSON, settingsJSON, a.HasKnowledgeBase,
	); err != nil {
		return fmt.Errorf("agentstore: upsert %q: %w", a.ID, err)
	}
	return nil
}

// Delete removes an agent snapshot. Deleting a missing agent is not an
// error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("agentstore: delete %q: %w", id, err)
	}
	return nil
}

// List returns all agent IDs for a user. An empty userID returns every
// agent.
func (s *PostgresStore) List(ctx context.Context, userID string) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.Query(ctx, `SELECT id FROM agents ORDER BY name`)
	} else {
		rows, err = s.db.Query(ctx, `SELECT id FROM agents WHERE user_id = $1 ORDER BY name`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("agentstore: list scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	return ids, nil
}

// emptyFlow returns f if non-nil, otherwise an empty non-nil slice so JSON
// marshalling produces "[]" instead of "null".
func emptyFlow(f []flow.Node) []flow.Node {
	if f == nil {
		return []flow.Node{}
	}
	return f
}
