package bus

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got Event
	eb.On(EventMessageProcessed, func(e Event) { got = e })
	eb.Emit(Event{Type: EventMessageProcessed, Payload: map[string]any{"message_id": int64(7)}})

	assert.Equal(t, int64(7), got.Payload["message_id"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count atomic.Int32
	eb.On("*", func(Event) { count.Add(1) })

	eb.Emit(Event{Type: EventMessageFailed})
	eb.Emit(Event{Type: EventMessageIgnored})
	assert.Equal(t, int32(2), count.Load())
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var first, second atomic.Int32
	id := eb.On(EventMessageFailed, func(Event) { first.Add(1) })
	eb.On(EventMessageFailed, func(Event) { second.Add(1) })

	eb.Emit(Event{Type: EventMessageFailed})
	eb.Off(EventMessageFailed, id)
	eb.Emit(Event{Type: EventMessageFailed})

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(2), second.Load())
}

func TestEventBus_IDsStayUniqueAfterOff(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	a := eb.On("x", func(Event) {})
	eb.Off("x", a)
	b := eb.On("x", func(Event) {})
	c := eb.On("x", func(Event) {})
	assert.NotEqual(t, b, c)
}

func TestEventBus_PanicIsolated(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after atomic.Int32
	eb.On("x", func(Event) { panic("boom") })
	eb.On("x", func(Event) { after.Add(1) })

	assert.NotPanics(t, func() { eb.Emit(Event{Type: "x"}) })
	assert.Equal(t, int32(1), after.Load())
}
