package domain

import "time"

type Tenant struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"-"`
}

type InstanceStatus string

const (
	InstanceConnected    InstanceStatus = "connected"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceDisconnected InstanceStatus = "disconnected"
)

// Instance is a connected messaging line owned by a tenant.
type Instance struct {
	ID               string         `yaml:"id"`
	TenantID         string         `yaml:"tenant_id"`
	Name             string         `yaml:"name"`
	ServerURL        string         `yaml:"server_url"`
	Token            string         `yaml:"instance_token"`
	WebhookSecret    string         `yaml:"webhook_secret"`
	Status           InstanceStatus `yaml:"status"`
	AgentID          string         `yaml:"agent_id"`
	LastConnectionAt *time.Time     `yaml:"-"`
	CreatedAt        time.Time      `yaml:"-"`
}

// Agent is the AI persona configured to answer on an instance.
type Agent struct {
	ID                 string     `yaml:"id"`
	TenantID           string     `yaml:"tenant_id"`
	Name               string     `yaml:"name"`
	SystemPrompt       string     `yaml:"system_prompt"`
	SystemRules        string     `yaml:"system_rules"`
	Objective          string     `yaml:"objective"`
	Model              string     `yaml:"model"`
	ProviderID         ProviderID `yaml:"provider_id"`
	Temperature        float64    `yaml:"temperature"`
	IsActive           bool       `yaml:"is_active"`
	ConversationsCount int64      `yaml:"-"`
	ResponsesCount     int64      `yaml:"-"`
	CreatedAt          time.Time  `yaml:"-"`
	UpdatedAt          time.Time  `yaml:"-"`
}

// ProviderCredential is a tenant's API key for one LLM vendor.
type ProviderCredential struct {
	ID          string     `yaml:"id"`
	TenantID    string     `yaml:"tenant_id"`
	Provider    ProviderID `yaml:"provider"`
	APIKey      string     `yaml:"api_key"`
	Model       string     `yaml:"model"`
	Temperature float64    `yaml:"temperature"`
	MaxTokens   int        `yaml:"max_tokens"`
	IsActive    bool       `yaml:"is_active"`
}
