package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxhall/voxhall/pkg/models"
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tool_servers (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	name              TEXT NOT NULL,
	url               TEXT NOT NULL,
	transport         TEXT NOT NULL,
	auth              TEXT NOT NULL,
	credentials       TEXT NOT NULL DEFAULT '',
	integration       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	last_connected_at TIMESTAMPTZ,
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_definitions (
	id             TEXT PRIMARY KEY,
	server_id      TEXT NOT NULL REFERENCES tool_servers(id) ON DELETE CASCADE,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	input_schema   JSONB,
	enabled        BOOLEAN NOT NULL,
	last_synced_at TIMESTAMPTZ NOT NULL,
	UNIQUE (server_id, name)
);
CREATE TABLE IF NOT EXISTS tool_policies (
	id         TEXT PRIMARY KEY,
	tool_id    TEXT NOT NULL REFERENCES tool_definitions(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	config     JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS call_logs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	server_id   TEXT,
	tool_name   TEXT NOT NULL,
	arguments   JSONB,
	result      TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	status      TEXT NOT NULL,
	channel_id  TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_logs_user_created ON call_logs (user_id, created_at);
`)
	return err
}

// ── Tool Servers ────────────────────────────────────────────

const serverCols = `id, user_id, name, url, transport, auth, credentials, integration,
	status, last_connected_at, last_error, created_at, updated_at`

func scanServer(row pgx.Row) (*models.ToolServer, error) {
	var srv models.ToolServer
	err := row.Scan(&srv.ID, &srv.UserID, &srv.Name, &srv.URL, &srv.Transport, &srv.Auth,
		&srv.Credentials, &srv.Integration, &srv.Status, &srv.LastConnectedAt,
		&srv.LastError, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *PostgresStore) ListServers(ctx context.Context, userID string) ([]models.ToolServer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serverCols+` FROM tool_servers WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ToolServer, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*models.ToolServer, error) {
	srv, err := scanServer(s.pool.QueryRow(ctx,
		`SELECT `+serverCols+` FROM tool_servers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool server", Key: id}
	}
	return srv, err
}

func (s *PostgresStore) CreateServer(ctx context.Context, server *models.ToolServer) error {
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tool_servers (`+serverCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		server.ID, server.UserID, server.Name, server.URL, server.Transport, server.Auth,
		server.Credentials, server.Integration, server.Status, server.LastConnectedAt,
		server.LastError, server.CreatedAt, server.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateServer(ctx context.Context, server *models.ToolServer) error {
	server.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE tool_servers SET name=$2, url=$3, transport=$4, auth=$5, credentials=$6,
			integration=$7, status=$8, last_connected_at=$9, last_error=$10, updated_at=$11
		WHERE id=$1`,
		server.ID, server.Name, server.URL, server.Transport, server.Auth, server.Credentials,
		server.Integration, server.Status, server.LastConnectedAt, server.LastError, server.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool server", Key: server.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteServer(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tool_servers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool server", Key: id}
	}
	return nil
}

// ── Tool Definitions ────────────────────────────────────────

const toolCols = `id, server_id, name, description, input_schema, enabled, last_synced_at`

func scanTool(row pgx.Row) (*models.ToolDefinition, error) {
	var def models.ToolDefinition
	var schema []byte
	err := row.Scan(&def.ID, &def.ServerID, &def.Name, &def.Description,
		&schema, &def.Enabled, &def.LastSyncedAt)
	if err != nil {
		return nil, err
	}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &def.InputSchema); err != nil {
			return nil, fmt.Errorf("decode input schema: %w", err)
		}
	}
	return &def, nil
}

func (s *PostgresStore) ListTools(ctx context.Context, serverID string) ([]models.ToolDefinition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+toolCols+` FROM tool_definitions WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ToolDefinition, 0)
	for rows.Next() {
		def, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTool(ctx context.Context, id string) (*models.ToolDefinition, error) {
	def, err := scanTool(s.pool.QueryRow(ctx,
		`SELECT `+toolCols+` FROM tool_definitions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool", Key: id}
	}
	return def, err
}

func (s *PostgresStore) GetToolByName(ctx context.Context, serverID, name string) (*models.ToolDefinition, error) {
	def, err := scanTool(s.pool.QueryRow(ctx,
		`SELECT `+toolCols+` FROM tool_definitions WHERE server_id = $1 AND name = $2`, serverID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool", Key: serverID + "/" + name}
	}
	return def, err
}

func (s *PostgresStore) UpsertTool(ctx context.Context, def *models.ToolDefinition) error {
	schema, err := json.Marshal(def.InputSchema)
	if err != nil {
		return fmt.Errorf("encode input schema: %w", err)
	}
	// ON CONFLICT leaves `enabled` untouched so operator toggles survive syncs.
	return s.pool.QueryRow(ctx, `
		INSERT INTO tool_definitions (id, server_id, name, description, input_schema, enabled, last_synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (server_id, name) DO UPDATE SET
			description = EXCLUDED.description,
			input_schema = EXCLUDED.input_schema,
			last_synced_at = EXCLUDED.last_synced_at
		RETURNING id, enabled`,
		def.ID, def.ServerID, def.Name, def.Description, schema, def.Enabled, def.LastSyncedAt).
		Scan(&def.ID, &def.Enabled)
}

func (s *PostgresStore) SetToolEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tool_definitions SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeleteToolsNotIn(ctx context.Context, serverID string, keep []string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tool_definitions WHERE server_id = $1 AND NOT (name = ANY($2))`,
		serverID, keep)
	return err
}

// ── Tool Policies ───────────────────────────────────────────

func (s *PostgresStore) ListPolicies(ctx context.Context, toolID string) ([]models.ToolPolicy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tool_id, kind, config, created_at FROM tool_policies
		 WHERE tool_id = $1 ORDER BY kind, id`, toolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ToolPolicy, 0)
	for rows.Next() {
		var pol models.ToolPolicy
		var cfg []byte
		if err := rows.Scan(&pol.ID, &pol.ToolID, &pol.Kind, &cfg, &pol.CreatedAt); err != nil {
			return nil, err
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &pol.Config); err != nil {
				return nil, fmt.Errorf("decode policy config: %w", err)
			}
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, policy *models.ToolPolicy) error {
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(policy.Config)
	if err != nil {
		return fmt.Errorf("encode policy config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tool_policies (id, tool_id, kind, config, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		policy.ID, policy.ToolID, policy.Kind, cfg, policy.CreatedAt)
	return err
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tool_policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "policy", Key: id}
	}
	return nil
}

// ── Call Logs ───────────────────────────────────────────────

func (s *PostgresStore) AppendCallLog(ctx context.Context, entry *models.CallLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	args, err := json.Marshal(entry.Arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO call_logs (id, user_id, server_id, tool_name, arguments, result,
			duration_ms, status, channel_id, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.UserID, entry.ServerID, entry.ToolName, args, entry.Result,
		entry.DurationMs, entry.Status, entry.ChannelID, entry.Source, entry.CreatedAt)
	return err
}

func (s *PostgresStore) ListCallLogs(ctx context.Context, userID string, limit int) ([]models.CallLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, server_id, tool_name, arguments, result, duration_ms,
			status, channel_id, source, created_at
		FROM call_logs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.CallLogEntry, 0)
	for rows.Next() {
		var entry models.CallLogEntry
		var args []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.ServerID, &entry.ToolName,
			&args, &entry.Result, &entry.DurationMs, &entry.Status, &entry.ChannelID,
			&entry.Source, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &entry.Arguments); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountSuccessfulCallsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM call_logs
		WHERE user_id = $1 AND status = 'success' AND created_at >= $2`,
		userID, since).Scan(&count)
	return count, err
}
