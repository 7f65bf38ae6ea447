package domain

import "time"

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunLog is the immutable audit record of one generation attempt.
type RunLog struct {
	ID           string
	TenantID     string
	AgentID      string
	InstanceID   string
	MessageID    int64
	Channel      string
	Input        string
	Output       string
	Provider     ProviderID
	Model        string
	Temperature  float64
	LatencyMs    int64
	Status       RunStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// WebhookLog records one authenticated webhook request and what was done with it.
type WebhookLog struct {
	ID         int64
	InstanceID string
	EventType  string
	Action     string
	HTTPStatus int
	Payload    string
	CreatedAt  time.Time
}
