package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentrelay/internal/domain"
)

const messageColumns = `id, tenant_id, instance_id, remote_id, external_id, direction, message_type, content, media_url, push_name, status, error_message, agent_id, provider, model, endpoint, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var (
		m                      domain.Message
		externalID             sql.NullString
		direction, typ, status string
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.InstanceID, &m.RemoteID, &externalID, &direction, &typ,
		&m.Content, &m.MediaURL, &m.PushName, &status, &m.ErrorMessage, &m.AgentID, &m.Provider,
		&m.Model, &m.Endpoint, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.Direction = domain.Direction(direction)
	m.Type = domain.MessageType(typ)
	m.Status = domain.MessageStatus(status)
	return &m, nil
}

// InsertInbound stores an incoming message as pending unless a row with the
// same (instance_id, external_id) already exists. The check and the insert
// are one statement. On a duplicate, m is replaced by the stored row and
// created is false.
func (s *Store) InsertInbound(ctx context.Context, m *domain.Message) (created bool, err error) {
	if m.ExternalID == "" {
		return false, fmt.Errorf("insert inbound: external id is required")
	}
	now := s.timestamp()
	m.Direction = domain.DirectionIncoming
	m.Status = domain.StatusPending
	m.CreatedAt, m.UpdatedAt = now, now

	var id int64
	err = s.queryRow(ctx, `
		INSERT INTO messages (tenant_id, instance_id, remote_id, external_id, direction, message_type, content, media_url, push_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, external_id) DO NOTHING
		RETURNING id`,
		m.TenantID, m.InstanceID, m.RemoteID, m.ExternalID, string(m.Direction), string(m.Type),
		m.Content, m.MediaURL, m.PushName, string(m.Status), now, now,
	).Scan(&id)
	switch {
	case err == nil:
		m.ID = id
		return true, nil
	case isNoRows(err):
		existing, err := s.GetMessageByExternalID(ctx, m.InstanceID, m.ExternalID)
		if err != nil {
			return false, err
		}
		*m = *existing
		return false, nil
	default:
		return false, fmt.Errorf("insert inbound message: %w", err)
	}
}

// InsertOutbound stores a reply row. Outbound rows are written once, already terminal.
func (s *Store) InsertOutbound(ctx context.Context, m *domain.Message) error {
	now := s.timestamp()
	m.Direction = domain.DirectionOutgoing
	if m.Type == "" {
		m.Type = domain.TypeText
	}
	m.CreatedAt, m.UpdatedAt = now, now

	err := s.queryRow(ctx, `
		INSERT INTO messages (tenant_id, instance_id, remote_id, external_id, direction, message_type, content, status, error_message, agent_id, provider, model, endpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		m.TenantID, m.InstanceID, m.RemoteID, nullString(m.ExternalID), string(m.Direction), string(m.Type),
		m.Content, string(m.Status), m.ErrorMessage, m.AgentID, m.Provider, m.Model, m.Endpoint, now, now,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert outbound message: %w", err)
	}
	return nil
}

// Transition describes a conditional status change.
// Empty AgentID/Provider/Model keep the stored values.
type Transition struct {
	ID           int64
	From         []domain.MessageStatus
	To           domain.MessageStatus
	ErrorMessage string
	AgentID      string
	Provider     string
	Model        string
}

// allowedFrom lists the predecessors each inbound status may be entered from.
var allowedFrom = map[domain.MessageStatus][]domain.MessageStatus{
	domain.StatusProcessing:     {domain.StatusPending},
	domain.StatusProcessed:      {domain.StatusProcessing},
	domain.StatusFailed:         {domain.StatusProcessing},
	domain.StatusIgnoredNoAgent: {domain.StatusProcessing},
	domain.StatusIgnoredMedia:   {domain.StatusProcessing},
}

// TransitionMessage applies t only if the row is currently in one of the
// allowed predecessor states. It reports whether the row changed; a false
// result means another worker already moved it.
func (s *Store) TransitionMessage(ctx context.Context, t Transition) (bool, error) {
	from := t.From
	if len(from) == 0 {
		from = allowedFrom[t.To]
	}
	if len(from) == 0 {
		return false, fmt.Errorf("transition message %d: no predecessor allows %s", t.ID, t.To)
	}

	args := []any{string(t.To), t.ErrorMessage, t.AgentID, t.Provider, t.Model, s.timestamp(), t.ID}
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.exec(ctx, `
		UPDATE messages SET
			status = ?,
			error_message = ?,
			agent_id = COALESCE(NULLIF(?, ''), agent_id),
			provider = COALESCE(NULLIF(?, ''), provider),
			model = COALESCE(NULLIF(?, ''), model),
			updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition message %d to %s: %w", t.ID, t.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition message %d: %w", t.ID, err)
	}
	return n == 1, nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := scanMessage(s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, &domain.NotFoundError{Kind: "message", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

func (s *Store) GetMessageByExternalID(ctx context.Context, instanceID, externalID string) (*domain.Message, error) {
	m, err := scanMessage(s.queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE instance_id = ? AND external_id = ?`, instanceID, externalID))
	if isNoRows(err) {
		return nil, &domain.NotFoundError{Kind: "message", ID: externalID}
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", externalID, err)
	}
	return m, nil
}

// History returns the newest limit conversation turns other than the
// message excludeID, oldest first. Incoming rows still pending or ignored
// and outgoing rows that were never delivered are not turns. A reply stored
// after excludeID arrived is included, since it was sent before excludeID
// is answered.
func (s *Store) History(ctx context.Context, instanceID, remoteID string, excludeID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE instance_id = ? AND remote_id = ? AND id <> ? AND content <> ''
		  AND (
			(direction = ? AND status IN (?, ?, ?))
			OR (direction = ? AND status = ?)
		  )
		ORDER BY id DESC
		LIMIT ?`,
		instanceID, remoteID, excludeID,
		string(domain.DirectionIncoming), string(domain.StatusProcessed), string(domain.StatusFailed), string(domain.StatusProcessing),
		string(domain.DirectionOutgoing), string(domain.StatusSent),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Conversation returns every stored row of a conversation, oldest first.
func (s *Store) Conversation(ctx context.Context, instanceID, remoteID string) ([]domain.Message, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE instance_id = ? AND remote_id = ? ORDER BY id`, instanceID, remoteID)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// PendingBefore returns incoming rows of the conversation that are still
// pending and were stored before beforeID, oldest first.
func (s *Store) PendingBefore(ctx context.Context, instanceID, remoteID string, beforeID int64) ([]*domain.Message, error) {
	rows, err := s.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE instance_id = ? AND remote_id = ? AND id < ? AND direction = ? AND status = ?
		ORDER BY id`,
		instanceID, remoteID, beforeID, string(domain.DirectionIncoming), string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("query pending before %d: %w", beforeID, err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
