package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentrelay/internal/domain"
)

// Tenants, instances, agents and credentials are owned by the dashboard.
// The pipeline reads them; the Upsert* helpers back the seed command.

const instanceColumns = `id, tenant_id, name, server_url, instance_token, webhook_secret, status, agent_id, last_connection_at, created_at`

func scanInstance(row interface{ Scan(...any) error }) (*domain.Instance, error) {
	var (
		inst   domain.Instance
		status string
		lastAt sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.TenantID, &inst.Name, &inst.ServerURL, &inst.Token,
		&inst.WebhookSecret, &status, &inst.AgentID, &lastAt, &inst.CreatedAt); err != nil {
		return nil, err
	}
	inst.Status = domain.InstanceStatus(status)
	if lastAt.Valid {
		t := lastAt.Time
		inst.LastConnectionAt = &t
	}
	return &inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	inst, err := scanInstance(s.queryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, &domain.NotFoundError{Kind: "instance", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// GetInstanceByToken resolves the instance a flat-shape payload belongs to.
func (s *Store) GetInstanceByToken(ctx context.Context, token string) (*domain.Instance, error) {
	if token == "" {
		return nil, &domain.NotFoundError{Kind: "instance", ID: ""}
	}
	inst, err := scanInstance(s.queryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_token = ?`, token))
	if isNoRows(err) {
		return nil, &domain.NotFoundError{Kind: "instance", ID: "token:" + maskToken(token)}
	}
	if err != nil {
		return nil, fmt.Errorf("get instance by token: %w", err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.query(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// UpdateInstanceConnection records the result of a connection probe.
// lastConnection is only written when non-nil.
func (s *Store) UpdateInstanceConnection(ctx context.Context, id string, status domain.InstanceStatus, lastConnection *time.Time) error {
	var err error
	if lastConnection != nil {
		_, err = s.exec(ctx, `UPDATE instances SET status = ?, last_connection_at = ? WHERE id = ?`, string(status), lastConnection.UTC(), id)
	} else {
		_, err = s.exec(ctx, `UPDATE instances SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update instance %s: %w", id, err)
	}
	return nil
}

const agentColumns = `id, tenant_id, name, system_prompt, system_rules, objective, model, provider_id, temperature, is_active, conversations_count, responses_count, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*domain.Agent, error) {
	var (
		a        domain.Agent
		provider string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.SystemPrompt, &a.SystemRules, &a.Objective,
		&a.Model, &provider, &a.Temperature, &a.IsActive, &a.ConversationsCount, &a.ResponsesCount,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ProviderID = domain.ProviderID(provider)
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := scanAgent(s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, &domain.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAgentProvider writes agents.provider_id. Used by the backfill command only.
func (s *Store) SetAgentProvider(ctx context.Context, id string, provider domain.ProviderID) error {
	_, err := s.exec(ctx, `UPDATE agents SET provider_id = ?, updated_at = ? WHERE id = ?`, string(provider), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set agent provider %s: %w", id, err)
	}
	return nil
}

// IncrementAgentResponses bumps responses_count in a single statement.
func (s *Store) IncrementAgentResponses(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE agents SET responses_count = responses_count + 1, updated_at = ? WHERE id = ?`, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("increment responses for agent %s: %w", id, err)
	}
	return nil
}

// IncrementAgentConversations bumps conversations_count in a single statement.
func (s *Store) IncrementAgentConversations(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE agents SET conversations_count = conversations_count + 1, updated_at = ? WHERE id = ?`, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("increment conversations for agent %s: %w", id, err)
	}
	return nil
}

// ListActiveCredentials returns the tenant's active credentials, oldest first.
func (s *Store) ListActiveCredentials(ctx context.Context, tenantID string) ([]domain.ProviderCredential, error) {
	rows, err := s.query(ctx, `
		SELECT id, tenant_id, provider, api_key, model, temperature, max_tokens, is_active
		FROM provider_credentials
		WHERE tenant_id = ? AND is_active = ?
		ORDER BY id`, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderCredential
	for rows.Next() {
		var (
			c        domain.ProviderCredential
			provider string
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &provider, &c.APIKey, &c.Model, &c.Temperature, &c.MaxTokens, &c.IsActive); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Provider = domain.ProviderID(provider)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- seed writes ---

func (s *Store) UpsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := s.exec(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		t.ID, t.Name, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) UpsertInstance(ctx context.Context, inst domain.Instance) error {
	if inst.Status == "" {
		inst.Status = domain.InstanceDisconnected
	}
	_, err := s.exec(ctx, `
		INSERT INTO instances (id, tenant_id, name, server_url, instance_token, webhook_secret, status, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			server_url = excluded.server_url,
			instance_token = excluded.instance_token,
			webhook_secret = excluded.webhook_secret,
			agent_id = excluded.agent_id`,
		inst.ID, inst.TenantID, inst.Name, inst.ServerURL, inst.Token, inst.WebhookSecret,
		string(inst.Status), inst.AgentID, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) UpsertAgent(ctx context.Context, a domain.Agent) error {
	now := s.timestamp()
	_, err := s.exec(ctx, `
		INSERT INTO agents (id, tenant_id, name, system_prompt, system_rules, objective, model, provider_id, temperature, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			system_prompt = excluded.system_prompt,
			system_rules = excluded.system_rules,
			objective = excluded.objective,
			model = excluded.model,
			provider_id = excluded.provider_id,
			temperature = excluded.temperature,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		a.ID, a.TenantID, a.Name, a.SystemPrompt, a.SystemRules, a.Objective, a.Model,
		string(a.ProviderID), a.Temperature, a.IsActive, now, now)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) UpsertCredential(ctx context.Context, c domain.ProviderCredential) error {
	_, err := s.exec(ctx, `
		INSERT INTO provider_credentials (id, tenant_id, provider, api_key, model, temperature, max_tokens, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			provider = excluded.provider,
			api_key = excluded.api_key,
			model = excluded.model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			is_active = excluded.is_active`,
		c.ID, c.TenantID, string(c.Provider), c.APIKey, c.Model, c.Temperature, c.MaxTokens, c.IsActive)
	if err != nil {
		return fmt.Errorf("upsert credential %s: %w", c.ID, err)
	}
	return nil
}

func maskToken(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****"
}
