package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/domain"
)

func tenantFixture() domain.Tenant {
	return domain.Tenant{ID: "t1", Name: "Acme"}
}

func seedCatalog(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertTenant(ctx, tenantFixture()))
	require.NoError(t, s.UpsertAgent(ctx, domain.Agent{
		ID: "a1", TenantID: "t1", Name: "Sales", SystemPrompt: "Be brief.",
		Model: "gpt-4o", ProviderID: domain.ProviderOpenAI, Temperature: 0.3, IsActive: true,
	}))
	require.NoError(t, s.UpsertInstance(ctx, domain.Instance{
		ID: "i1", TenantID: "t1", Name: "main", ServerURL: "http://gw", Token: "tok-1234567890",
		WebhookSecret: "s3cret", AgentID: "a1",
	}))
	require.NoError(t, s.UpsertCredential(ctx, domain.ProviderCredential{
		ID: "c1", TenantID: "t1", Provider: domain.ProviderOpenAI, APIKey: "sk-1", IsActive: true,
	}))
	require.NoError(t, s.UpsertCredential(ctx, domain.ProviderCredential{
		ID: "c2", TenantID: "t1", Provider: domain.ProviderGemini, APIKey: "g-1", IsActive: false,
	}))
}

func inbound(externalID, text string) *domain.Message {
	return &domain.Message{
		TenantID: "t1", InstanceID: "i1", RemoteID: "5511999@s.whatsapp.net",
		ExternalID: externalID, Type: domain.TypeText, Content: text,
	}
}

// --- catalog ---

func TestCatalog_ReadBack(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	inst, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "a1", inst.AgentID)
	assert.Equal(t, domain.InstanceDisconnected, inst.Status)
	assert.Nil(t, inst.LastConnectionAt)

	byToken, err := s.GetInstanceByToken(ctx, "tok-1234567890")
	require.NoError(t, err)
	assert.Equal(t, "i1", byToken.ID)

	agent, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderOpenAI, agent.ProviderID)
	assert.True(t, agent.IsActive)
	assert.InDelta(t, 0.3, agent.Temperature, 1e-9)

	creds, err := s.ListActiveCredentials(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "c1", creds[0].ID)
}

func TestCatalog_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetInstance(ctx, "missing")
	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "instance", nf.Kind)

	_, err = s.GetInstanceByToken(ctx, "")
	require.True(t, errors.As(err, &nf))

	_, err = s.GetAgent(ctx, "missing")
	require.True(t, errors.As(err, &nf))
}

func TestCatalog_UpdateInstanceConnection(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateInstanceConnection(ctx, "i1", domain.InstanceConnected, &at))
	inst, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceConnected, inst.Status)
	require.NotNil(t, inst.LastConnectionAt)
	assert.True(t, at.Equal(*inst.LastConnectionAt))

	require.NoError(t, s.UpdateInstanceConnection(ctx, "i1", domain.InstanceDisconnected, nil))
	inst, err = s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceDisconnected, inst.Status)
	require.NotNil(t, inst.LastConnectionAt, "last connection is kept when disconnected")
}

func TestCatalog_CountersAreAtomic(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementAgentResponses(ctx, "a1"))
		}()
	}
	wg.Wait()
	require.NoError(t, s.IncrementAgentConversations(ctx, "a1"))

	agent, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.EqualValues(t, 20, agent.ResponsesCount)
	assert.EqualValues(t, 1, agent.ConversationsCount)
}

func TestCatalog_SetAgentProvider(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	require.NoError(t, s.SetAgentProvider(ctx, "a1", domain.ProviderAnthropic))
	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, domain.ProviderAnthropic, agents[0].ProviderID)
}

// --- messages ---

func TestInsertInbound_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := inbound("wamid.1", "hello")
	created, err := s.InsertInbound(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, first.ID)
	assert.Equal(t, domain.StatusPending, first.Status)

	again := inbound("wamid.1", "hello (redelivered)")
	created, err = s.InsertInbound(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "hello", again.Content, "stored row wins")
}

func TestInsertInbound_ConcurrentDuplicatesCreateOneRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertInbound(ctx, inbound("wamid.race", "hi"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)

	rows, err := s.Conversation(ctx, "i1", "5511999@s.whatsapp.net")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInsertInbound_RequiresExternalID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertInbound(context.Background(), inbound("", "x"))
	require.Error(t, err)
}

func TestInsertOutbound_ManyWithoutExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out := &domain.Message{TenantID: "t1", InstanceID: "i1", RemoteID: "r", Content: "reply", Status: domain.StatusSent}
		require.NoError(t, s.InsertOutbound(ctx, out))
		assert.NotZero(t, out.ID)
	}
	rows, err := s.Conversation(ctx, "i1", "r")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, domain.DirectionOutgoing, r.Direction)
		assert.Empty(t, r.ExternalID)
	}
}

func TestTransitionMessage_Monotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := inbound("wamid.2", "hi")
	_, err := s.InsertInbound(ctx, m)
	require.NoError(t, err)

	// pending cannot jump straight to processed
	ok, err := s.TransitionMessage(ctx, Transition{ID: m.ID, To: domain.StatusProcessed})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionMessage(ctx, Transition{ID: m.ID, To: domain.StatusProcessing})
	require.NoError(t, err)
	assert.True(t, ok)

	// claim only once
	ok, err = s.TransitionMessage(ctx, Transition{ID: m.ID, To: domain.StatusProcessing})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionMessage(ctx, Transition{
		ID: m.ID, To: domain.StatusProcessed, AgentID: "a1", Provider: "openai", Model: "gpt-4o",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// terminal rows never move again
	ok, err = s.TransitionMessage(ctx, Transition{ID: m.ID, To: domain.StatusFailed, ErrorMessage: "late"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, got.Status)
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Empty(t, got.ErrorMessage)
}

func TestTransitionMessage_UnknownTarget(t *testing.T) {
	s := newTestStore(t)
	_, err := s.TransitionMessage(context.Background(), Transition{ID: 1, To: domain.StatusSent})
	require.Error(t, err)
}

func addTurn(t *testing.T, s *Store, i int, dir domain.Direction, status domain.MessageStatus, text string) int64 {
	t.Helper()
	ctx := context.Background()
	if dir == domain.DirectionOutgoing {
		out := &domain.Message{TenantID: "t1", InstanceID: "i1", RemoteID: "5511999@s.whatsapp.net", Content: text, Status: status}
		require.NoError(t, s.InsertOutbound(ctx, out))
		return out.ID
	}
	m := inbound(fmt.Sprintf("wamid.h%d", i), text)
	_, err := s.InsertInbound(ctx, m)
	require.NoError(t, err)
	if status != domain.StatusPending {
		_, err = s.TransitionMessage(ctx, Transition{ID: m.ID, To: domain.StatusProcessing})
		require.NoError(t, err)
		if status != domain.StatusProcessing {
			_, err = s.TransitionMessage(ctx, Transition{ID: m.ID, To: status})
			require.NoError(t, err)
		}
	}
	return m.ID
}

func TestHistory_BoundedOrderedAndExcludesCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		dir, status := domain.DirectionIncoming, domain.StatusProcessed
		if i%2 == 1 {
			dir, status = domain.DirectionOutgoing, domain.StatusSent
		}
		addTurn(t, s, i, dir, status, fmt.Sprintf("turn %d", i))
	}
	// current message repeats an earlier text; exclusion must go by id
	current := addTurn(t, s, 99, domain.DirectionIncoming, domain.StatusProcessing, "turn 8")

	hist, err := s.History(ctx, "i1", "5511999@s.whatsapp.net", current, 4)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, "turn 6", hist[0].Content)
	assert.Equal(t, "turn 9", hist[3].Content)
	for _, h := range hist {
		assert.NotEqual(t, current, h.ID)
	}
}

func TestHistory_IncludesLaterReplyExcludesLaterPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTurn(t, s, 1, domain.DirectionIncoming, domain.StatusProcessed, "one")
	// two arrived while one was being answered
	current := addTurn(t, s, 2, domain.DirectionIncoming, domain.StatusProcessing, "two")
	addTurn(t, s, 3, domain.DirectionOutgoing, domain.StatusSent, "reply to one")
	addTurn(t, s, 4, domain.DirectionIncoming, domain.StatusPending, "three")

	hist, err := s.History(ctx, "i1", "5511999@s.whatsapp.net", current, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "one", hist[0].Content)
	assert.Equal(t, "reply to one", hist[1].Content)
}

func TestHistory_SkipsIgnoredAndUndelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTurn(t, s, 1, domain.DirectionIncoming, domain.StatusProcessed, "question")
	addTurn(t, s, 2, domain.DirectionOutgoing, domain.StatusFailed, "undelivered answer")
	addTurn(t, s, 3, domain.DirectionIncoming, domain.StatusIgnoredMedia, "[image]")
	addTurn(t, s, 4, domain.DirectionOutgoing, domain.StatusSent, "delivered answer")
	current := addTurn(t, s, 5, domain.DirectionIncoming, domain.StatusProcessing, "next")

	hist, err := s.History(ctx, "i1", "5511999@s.whatsapp.net", current, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "question", hist[0].Content)
	assert.Equal(t, "delivered answer", hist[1].Content)
}

func TestHistory_OtherConversationsInvisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	other := &domain.Message{TenantID: "t1", InstanceID: "i1", RemoteID: "other@s.whatsapp.net", ExternalID: "x1", Content: "secret"}
	_, err := s.InsertInbound(ctx, other)
	require.NoError(t, err)
	current := addTurn(t, s, 1, domain.DirectionIncoming, domain.StatusProcessing, "hello")

	hist, err := s.History(ctx, "i1", "5511999@s.whatsapp.net", current, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestPendingBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addTurn(t, s, 1, domain.DirectionIncoming, domain.StatusProcessed, "done")
	a := addTurn(t, s, 2, domain.DirectionIncoming, domain.StatusPending, "a")
	b := addTurn(t, s, 3, domain.DirectionIncoming, domain.StatusPending, "b")
	current := addTurn(t, s, 4, domain.DirectionIncoming, domain.StatusPending, "c")
	addTurn(t, s, 5, domain.DirectionIncoming, domain.StatusPending, "later")

	other := &domain.Message{TenantID: "t1", InstanceID: "i1", RemoteID: "other@s.whatsapp.net", ExternalID: "x1", Content: "elsewhere"}
	_, err := s.InsertInbound(ctx, other)
	require.NoError(t, err)

	got, err := s.PendingBefore(ctx, "i1", "5511999@s.whatsapp.net", current)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0].ID)
	assert.Equal(t, b, got[1].ID)

	none, err := s.PendingBefore(ctx, "i1", "5511999@s.whatsapp.net", a)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- logs ---

func TestRunLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &domain.RunLog{AgentID: "a1", MessageID: 7, Channel: "whatsapp", Input: "hi", Output: "hello",
		Provider: domain.ProviderOpenAI, Model: "gpt-4o", Temperature: 0.7, LatencyMs: 120, Status: domain.RunSuccess}
	require.NoError(t, s.InsertRunLog(ctx, r))
	assert.NotEmpty(t, r.ID)

	logs, err := s.RunLogsForMessage(ctx, 7)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.RunSuccess, logs[0].Status)
	assert.Equal(t, domain.ProviderOpenAI, logs[0].Provider)

	recent, err := s.RecentRunLogs(ctx, "a1", 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestWebhookLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"processed", "ignored_group"} {
		require.NoError(t, s.InsertWebhookLog(ctx, &domain.WebhookLog{InstanceID: "i1", EventType: "messages.upsert", Action: action, HTTPStatus: 200}))
	}
	logs, err := s.WebhookLogs(ctx, "i1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "ignored_group", logs[0].Action)
}
