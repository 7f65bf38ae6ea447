// Package alert notifies an operator chat about messages that ended in
// failure and need a human look.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"agentrelay/internal/bus"
)

const (
	queueSize      = 64
	maxAlertLength = 3500
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	sender Sender
	chatID int64
	queue  chan string
	logger *slog.Logger
}

// NewTelegramSender logs in to the Bot API. endpoint may be empty.
func NewTelegramSender(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return bot, nil
}

func New(sender Sender, chatID int64, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender: sender,
		chatID: chatID,
		queue:  make(chan string, queueSize),
		logger: logger.With("component", "alert"),
	}
}

// Subscribe queues an alert for every failed message event.
func (n *Notifier) Subscribe(eb *bus.EventBus) string {
	return eb.On(bus.EventMessageFailed, n.handle)
}

func (n *Notifier) handle(e bus.Event) {
	text := Format(e)
	select {
	case n.queue <- text:
	default:
		n.logger.Warn("alert queue full, dropping alert", "event", e.Type)
	}
}

// Run sends queued alerts until ctx is done. Alerts still queued at that
// point are dropped.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			msg := tgbotapi.NewMessage(n.chatID, text)
			if _, err := n.sender.Send(msg); err != nil {
				n.logger.Warn("alert send failed", "err", err)
			}
		}
	}
}

// Format renders a failure event as a plain-text alert.
func Format(e bus.Event) string {
	var sb strings.Builder
	sb.WriteString("⚠️ message failed")
	for _, k := range []string{"message_id", "instance", "instance_id", "remote_id", "action"} {
		if v, ok := e.Payload[k]; ok && fmt.Sprint(v) != "" {
			fmt.Fprintf(&sb, "\n%s: %v", k, v)
		}
	}
	if v, ok := e.Payload["error"]; ok {
		fmt.Fprintf(&sb, "\nerror: %v", v)
	}
	text := sb.String()
	if r := []rune(text); len(r) > maxAlertLength {
		text = string(r[:maxAlertLength]) + "…"
	}
	return text
}
