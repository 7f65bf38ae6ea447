package domain

import (
	"context"
	"strings"
)

// ProviderID names an LLM vendor.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGemini    ProviderID = "gemini"
)

var providerAliases = map[string]ProviderID{
	"openai":    ProviderOpenAI,
	"chatgpt":   ProviderOpenAI,
	"gpt":       ProviderOpenAI,
	"anthropic": ProviderAnthropic,
	"claude":    ProviderAnthropic,
	"gemini":    ProviderGemini,
	"google":    ProviderGemini,
}

// ParseProviderID canonicalizes a stored provider name.
func ParseProviderID(s string) (ProviderID, bool) {
	id, ok := providerAliases[strings.ToLower(strings.TrimSpace(s))]
	return id, ok
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the canonical conversation sent to a provider.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type GenerateRequest struct {
	Credential   ProviderCredential
	Model        string
	Messages     []Turn
	Temperature  float64
	SystemPrompt string
	MaxTokens    int
}

// Generator produces a single reply text for a conversation.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}
