package assembler

import (
	"strings"

	"agentrelay/internal/domain"
)

const DefaultSystemPrompt = "You are a helpful assistant."

// SystemPrompt builds the system text for an agent. Rules, when present,
// are placed ahead of the general instructions under their own heading.
func SystemPrompt(agent *domain.Agent, fallback string) string {
	general := strings.TrimSpace(agent.SystemPrompt)
	if general == "" {
		general = fallback
	}
	if general == "" {
		general = DefaultSystemPrompt
	}
	if objective := strings.TrimSpace(agent.Objective); objective != "" {
		general += "\n\nObjective: " + objective
	}

	rules := strings.TrimSpace(agent.SystemRules)
	if rules == "" {
		return general
	}
	var sb strings.Builder
	sb.WriteString("## RULES (always take precedence):\n")
	sb.WriteString(rules)
	sb.WriteString("\n\n## INSTRUCTIONS:\n")
	sb.WriteString(general)
	return sb.String()
}

// UserText is the content of the current user turn.
func UserText(m *domain.Message) string {
	if name := strings.TrimSpace(m.PushName); name != "" {
		return "[" + name + "]: " + m.Content
	}
	return m.Content
}

func roleOf(d domain.Direction) domain.Role {
	if d == domain.DirectionOutgoing {
		return domain.RoleAssistant
	}
	return domain.RoleUser
}
