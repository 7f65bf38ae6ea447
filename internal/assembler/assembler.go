// Package assembler builds the canonical conversation handed to a provider.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentrelay/internal/domain"
)

const (
	DefaultHistoryLimit = 8
	MaxHistoryLimit     = 50
)

// HistoryReader loads prior turns of a conversation, oldest first.
type HistoryReader interface {
	History(ctx context.Context, instanceID, remoteID string, excludeID int64, limit int) ([]domain.Message, error)
}

type Config struct {
	History             HistoryReader
	HistoryLimit        int
	DefaultSystemPrompt string
	Logger              *slog.Logger
}

type Assembler struct {
	history       HistoryReader
	limit         int
	defaultPrompt string
	logger        *slog.Logger
}

// Context is the assembled input of one generation.
type Context struct {
	SystemPrompt string
	Turns        []domain.Turn // system turn first, current user turn last
	HistoryLen   int
}

// UserTurn returns the final turn, the message being answered.
func (c *Context) UserTurn() string {
	if len(c.Turns) == 0 {
		return ""
	}
	return c.Turns[len(c.Turns)-1].Content
}

func New(cfg Config) *Assembler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := cfg.HistoryLimit
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return &Assembler{
		history:       cfg.History,
		limit:         limit,
		defaultPrompt: cfg.DefaultSystemPrompt,
		logger:        cfg.Logger.With("component", "assembler"),
	}
}

// Assemble returns [system] + up to K prior turns + [user: current].
// The current message is left out of the history by id, never by text.
func (a *Assembler) Assemble(ctx context.Context, agent *domain.Agent, current *domain.Message) (*Context, error) {
	prior, err := a.history.History(ctx, current.InstanceID, current.RemoteID, current.ID, a.limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	system := SystemPrompt(agent, a.defaultPrompt)
	turns := make([]domain.Turn, 0, len(prior)+2)
	turns = append(turns, domain.Turn{Role: domain.RoleSystem, Content: system})
	n := 0
	for _, m := range prior {
		if m.ID == current.ID || strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, domain.Turn{Role: roleOf(m.Direction), Content: m.Content})
		n++
	}
	turns = append(turns, domain.Turn{Role: domain.RoleUser, Content: UserText(current)})

	a.logger.Debug("context assembled", "message_id", current.ID, "history", n)
	return &Context{SystemPrompt: system, Turns: turns, HistoryLen: n}, nil
}
