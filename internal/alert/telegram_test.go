package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/bus"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_SendsFailedEvents(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, 4242, quietLogger())
	eb := bus.NewEventBus(quietLogger())
	n.Subscribe(eb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	eb.Emit(bus.Event{Type: bus.EventMessageProcessed, Payload: map[string]any{"message_id": int64(1)}})
	eb.Emit(bus.Event{Type: bus.EventMessageFailed, Payload: map[string]any{
		"message_id": int64(2), "instance": "main", "action": "failed", "error": "delivery failed",
	}})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, int64(4242), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "message_id: 2")
	assert.Contains(t, sender.sent[0].Text, "error: delivery failed")
}

func TestNotifier_SendErrorDoesNotStopLoop(t *testing.T) {
	sender := &fakeSender{err: errors.New("forbidden")}
	n := New(sender, 1, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.handle(bus.Event{Type: bus.EventMessageFailed})
	n.handle(bus.Event{Type: bus.EventMessageFailed})
	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestNotifier_DropsWhenQueueFull(t *testing.T) {
	n := New(&fakeSender{}, 1, quietLogger())
	for i := 0; i < queueSize+10; i++ {
		n.handle(bus.Event{Type: bus.EventMessageFailed})
	}
	assert.Len(t, n.queue, queueSize)
}

func TestFormat_Truncates(t *testing.T) {
	text := Format(bus.Event{Payload: map[string]any{"error": strings.Repeat("x", 5000)}})
	assert.LessOrEqual(t, len([]rune(text)), maxAlertLength+1)
	assert.True(t, strings.HasPrefix(text, "⚠️ message failed"))
}
