package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"agentrelay/internal/domain"
)

// InsertRunLog writes one immutable run log row. ID and CreatedAt are filled when empty.
func (s *Store) InsertRunLog(ctx context.Context, r *domain.RunLog) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.timestamp()
	}
	_, err := s.exec(ctx, `
		INSERT INTO run_logs (id, tenant_id, agent_id, instance_id, message_id, channel, input, output, provider, model, temperature, latency_ms, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.AgentID, r.InstanceID, r.MessageID, r.Channel, r.Input, r.Output,
		string(r.Provider), r.Model, r.Temperature, r.LatencyMs, string(r.Status), r.ErrorMessage, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// RunLogsForMessage returns the run logs written while answering one inbound message.
func (s *Store) RunLogsForMessage(ctx context.Context, messageID int64) ([]domain.RunLog, error) {
	return s.listRunLogs(ctx, `WHERE message_id = ? ORDER BY created_at`, messageID)
}

// RecentRunLogs returns the newest run logs of an agent.
func (s *Store) RecentRunLogs(ctx context.Context, agentID string, limit int) ([]domain.RunLog, error) {
	return s.listRunLogs(ctx, `WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
}

func (s *Store) listRunLogs(ctx context.Context, where string, args ...any) ([]domain.RunLog, error) {
	rows, err := s.query(ctx, `
		SELECT id, tenant_id, agent_id, instance_id, message_id, channel, input, output, provider, model, temperature, latency_ms, status, error_message, created_at
		FROM run_logs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunLog
	for rows.Next() {
		var (
			r                domain.RunLog
			provider, status string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.InstanceID, &r.MessageID, &r.Channel,
			&r.Input, &r.Output, &provider, &r.Model, &r.Temperature, &r.LatencyMs, &status,
			&r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		r.Provider = domain.ProviderID(provider)
		r.Status = domain.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertWebhookLog records one webhook request.
func (s *Store) InsertWebhookLog(ctx context.Context, l *domain.WebhookLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.timestamp()
	}
	err := s.queryRow(ctx, `
		INSERT INTO webhook_logs (instance_id, event_type, action, http_status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		l.InstanceID, l.EventType, l.Action, l.HTTPStatus, l.Payload, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// WebhookLogs returns the newest webhook log rows of an instance.
func (s *Store) WebhookLogs(ctx context.Context, instanceID string, limit int) ([]domain.WebhookLog, error) {
	rows, err := s.query(ctx, `
		SELECT id, instance_id, event_type, action, http_status, payload, created_at
		FROM webhook_logs WHERE instance_id = ? ORDER BY id DESC LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookLog
	for rows.Next() {
		var l domain.WebhookLog
		if err := rows.Scan(&l.ID, &l.InstanceID, &l.EventType, &l.Action, &l.HTTPStatus, &l.Payload, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
