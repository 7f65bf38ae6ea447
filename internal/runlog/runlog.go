// Package runlog records every generation attempt and keeps the agent
// counters in step with successful replies.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentrelay/internal/domain"
)

const (
	Channel     = "whatsapp"
	maxLogRunes = 4000
)

// Store is the persistence the recorder needs.
type Store interface {
	InsertRunLog(ctx context.Context, r *domain.RunLog) error
	IncrementAgentResponses(ctx context.Context, id string) error
	IncrementAgentConversations(ctx context.Context, id string) error
}

// Attempt describes one finished call to a provider.
type Attempt struct {
	Message     *domain.Message
	AgentID     string
	Provider    domain.ProviderID
	Model       string
	Temperature float64
	Input       string
	Output      string
	Latency     time.Duration
	Err         error
}

type Recorder struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "runlog")}
}

// Record writes the audit row for a generation attempt.
func (r *Recorder) Record(ctx context.Context, a Attempt) (*domain.RunLog, error) {
	entry := &domain.RunLog{
		TenantID:    a.Message.TenantID,
		AgentID:     a.AgentID,
		InstanceID:  a.Message.InstanceID,
		MessageID:   a.Message.ID,
		Channel:     Channel,
		Input:       truncate(a.Input, maxLogRunes),
		Output:      truncate(a.Output, maxLogRunes),
		Provider:    a.Provider,
		Model:       a.Model,
		Temperature: a.Temperature,
		LatencyMs:   a.Latency.Milliseconds(),
		Status:      domain.RunSuccess,
	}
	if a.Err != nil {
		entry.Status = domain.RunError
		entry.ErrorMessage = truncate(a.Err.Error(), maxLogRunes)
	}
	if err := r.store.InsertRunLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	r.logger.Debug("run recorded", "id", entry.ID, "message_id", entry.MessageID, "status", entry.Status, "latency_ms", entry.LatencyMs)
	return entry, nil
}

// CountReply bumps the agent counters after a delivered reply. The first
// reply of a conversation also counts as a new conversation.
func (r *Recorder) CountReply(ctx context.Context, agentID string, firstInConversation bool) error {
	if err := r.store.IncrementAgentResponses(ctx, agentID); err != nil {
		return fmt.Errorf("count response: %w", err)
	}
	if firstInConversation {
		if err := r.store.IncrementAgentConversations(ctx, agentID); err != nil {
			return fmt.Errorf("count conversation: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
