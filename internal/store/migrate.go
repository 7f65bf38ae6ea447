package store

import (
	"context"
	"fmt"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

// migration represents a single schema migration step.
// Statements use {{...}} markers for the few types that differ per dialect.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: tenants, instances, agents, credentials, messages, run and webhook logs",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS tenants (
				id          TEXT PRIMARY KEY,
				name        TEXT NOT NULL DEFAULT '',
				created_at  {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS instances (
				id                  TEXT PRIMARY KEY,
				tenant_id           TEXT NOT NULL,
				name                TEXT NOT NULL DEFAULT '',
				server_url          TEXT NOT NULL DEFAULT '',
				instance_token      TEXT NOT NULL DEFAULT '',
				webhook_secret      TEXT NOT NULL DEFAULT '',
				status              TEXT NOT NULL DEFAULT 'disconnected',
				agent_id            TEXT NOT NULL DEFAULT '',
				last_connection_at  {{ts}},
				created_at          {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_instances_token ON instances(instance_token)`,
			`CREATE TABLE IF NOT EXISTS agents (
				id                   TEXT PRIMARY KEY,
				tenant_id            TEXT NOT NULL,
				name                 TEXT NOT NULL DEFAULT '',
				system_prompt        TEXT NOT NULL DEFAULT '',
				system_rules         TEXT NOT NULL DEFAULT '',
				objective            TEXT NOT NULL DEFAULT '',
				model                TEXT NOT NULL DEFAULT '',
				temperature          {{real}} NOT NULL DEFAULT 0.7,
				is_active            {{bool}} NOT NULL DEFAULT {{true}},
				conversations_count  BIGINT NOT NULL DEFAULT 0,
				responses_count      BIGINT NOT NULL DEFAULT 0,
				created_at           {{ts}} NOT NULL,
				updated_at           {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS provider_credentials (
				id           TEXT PRIMARY KEY,
				tenant_id    TEXT NOT NULL,
				provider     TEXT NOT NULL,
				api_key      TEXT NOT NULL,
				model        TEXT NOT NULL DEFAULT '',
				temperature  {{real}} NOT NULL DEFAULT 0,
				max_tokens   INTEGER NOT NULL DEFAULT 0,
				is_active    {{bool}} NOT NULL DEFAULT {{true}}
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credentials_tenant ON provider_credentials(tenant_id, is_active)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id             {{serial}},
				tenant_id      TEXT NOT NULL,
				instance_id    TEXT NOT NULL,
				remote_id      TEXT NOT NULL,
				external_id    TEXT,
				direction      TEXT NOT NULL,
				message_type   TEXT NOT NULL DEFAULT 'text',
				content        TEXT NOT NULL DEFAULT '',
				media_url      TEXT NOT NULL DEFAULT '',
				push_name      TEXT NOT NULL DEFAULT '',
				status         TEXT NOT NULL,
				error_message  TEXT NOT NULL DEFAULT '',
				agent_id       TEXT NOT NULL DEFAULT '',
				provider       TEXT NOT NULL DEFAULT '',
				model          TEXT NOT NULL DEFAULT '',
				endpoint       TEXT NOT NULL DEFAULT '',
				created_at     {{ts}} NOT NULL,
				updated_at     {{ts}} NOT NULL,
				UNIQUE (instance_id, external_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(instance_id, remote_id, id)`,
			`CREATE TABLE IF NOT EXISTS run_logs (
				id             TEXT PRIMARY KEY,
				tenant_id      TEXT NOT NULL DEFAULT '',
				agent_id       TEXT NOT NULL DEFAULT '',
				instance_id    TEXT NOT NULL DEFAULT '',
				message_id     BIGINT NOT NULL DEFAULT 0,
				channel        TEXT NOT NULL DEFAULT '',
				input          TEXT NOT NULL DEFAULT '',
				output         TEXT NOT NULL DEFAULT '',
				provider       TEXT NOT NULL DEFAULT '',
				model          TEXT NOT NULL DEFAULT '',
				temperature    {{real}} NOT NULL DEFAULT 0,
				latency_ms     BIGINT NOT NULL DEFAULT 0,
				status         TEXT NOT NULL,
				error_message  TEXT NOT NULL DEFAULT '',
				created_at     {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS webhook_logs (
				id           {{serial}},
				instance_id  TEXT NOT NULL DEFAULT '',
				event_type   TEXT NOT NULL DEFAULT '',
				action       TEXT NOT NULL DEFAULT '',
				http_status  INTEGER NOT NULL DEFAULT 0,
				payload      TEXT NOT NULL DEFAULT '',
				created_at   {{ts}} NOT NULL
			)`,
		},
	},
	{
		Version:     2,
		Description: "agents.provider_id: explicit provider selection",
		Statements: []string{
			`ALTER TABLE agents ADD COLUMN provider_id TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		Version:     3,
		Description: "run log and webhook log lookup indexes",
		Statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_run_logs_agent ON run_logs(agent_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_run_logs_message ON run_logs(message_id)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_logs_instance ON webhook_logs(instance_id, created_at)`,
		},
	},
}

func (s *Store) ddl(stmt string) string {
	r := strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "DATETIME",
		"{{real}}", "REAL",
		"{{bool}}", "INTEGER",
		"{{true}}", "1",
	)
	if s.dialect == Postgres {
		r = strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{ts}}", "TIMESTAMPTZ",
			"{{real}}", "DOUBLE PRECISION",
			"{{bool}}", "BOOLEAN",
			"{{true}}", "TRUE",
		)
	}
	return r.Replace(stmt)
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.ddl(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  {{ts}}
		)
	`)); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, s.ddl(stmt)); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind("INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, s.timestamp(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		s.logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

// LatestSchemaVersion is the version this binary migrates to.
func LatestSchemaVersion() int {
	return schemaVersion
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
