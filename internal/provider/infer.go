package provider

import (
	"strings"

	"agentrelay/internal/domain"
)

// InferProvider guesses a provider from a model name. It exists for the
// one-time backfill of agents.provider_id; request handling never calls it.
func InferProvider(model string) (domain.ProviderID, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return "", false
	case strings.HasPrefix(m, "google/"), strings.Contains(m, "gemini"):
		return domain.ProviderGemini, true
	case strings.HasPrefix(m, "anthropic/"), strings.Contains(m, "claude"):
		return domain.ProviderAnthropic, true
	case strings.HasPrefix(m, "openai/"), strings.Contains(m, "gpt"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return domain.ProviderOpenAI, true
	}
	return "", false
}
