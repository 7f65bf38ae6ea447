package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"agentrelay/internal/domain"
	"agentrelay/internal/store"
)

const sampleFixtures = `
tenants:
  - id: t1
    name: Acme
agents:
  - id: a1
    tenant_id: t1
    name: Sales
    model: gpt-4o-mini
    provider_id: openai
    is_active: true
  - id: a2
    tenant_id: t1
    name: Legacy
    model: claude-3-5-haiku-latest
    is_active: true
  - id: a3
    tenant_id: t1
    name: Mystery
    model: mixtral-8x7b
    is_active: true
instances:
  - id: i1
    tenant_id: t1
    name: main
    server_url: http://gw
    instance_token: tok-1
    webhook_secret: s3cret
    agent_id: a1
credentials:
  - tenant_id: t1
    provider: openai
    api_key: sk-test
    is_active: true
`

func testStore(t *testing.T) *store.Store {
	t.Helper()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "cmd.db"), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func loadFixtures(t *testing.T, text string) *fixtures {
	t.Helper()
	var fix fixtures
	require.NoError(t, yaml.Unmarshal([]byte(text), &fix))
	return &fix
}

func TestSeed(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, seed(ctx, st, loadFixtures(t, sampleFixtures)))

	inst, err := st.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", inst.Token)
	assert.Equal(t, "s3cret", inst.WebhookSecret)
	assert.Equal(t, domain.InstanceDisconnected, inst.Status)

	creds, err := st.ListActiveCredentials(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.NotEmpty(t, creds[0].ID, "missing ids are generated")

	// seeding twice updates in place
	require.NoError(t, seed(ctx, st, loadFixtures(t, sampleFixtures)))
	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

func TestSeed_RejectsUnknownProvider(t *testing.T) {
	st := testStore(t)
	err := seed(context.Background(), st, loadFixtures(t, `
tenants: [{id: t1, name: Acme}]
credentials: [{id: c1, tenant_id: t1, provider: mistral, api_key: k, is_active: true}]
`))
	assert.ErrorContains(t, err, "unknown provider")
}

func TestBackfillProviders(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, seed(ctx, st, loadFixtures(t, sampleFixtures)))

	require.NoError(t, backfillProviders(ctx, st, true))
	a2, err := st.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Empty(t, a2.ProviderID, "dry run writes nothing")

	require.NoError(t, backfillProviders(ctx, st, false))
	a2, err = st.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderAnthropic, a2.ProviderID)

	a3, err := st.GetAgent(ctx, "a3")
	require.NoError(t, err)
	assert.Empty(t, a3.ProviderID, "unknown models are left alone")
}

func TestLogOutput(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, seed(ctx, st, loadFixtures(t, sampleFixtures)))

	msg := &domain.Message{TenantID: "t1", InstanceID: "i1", RemoteID: "5511@s.whatsapp.net", ExternalID: "wamid.1", Type: domain.TypeText, Content: "hello\nthere"}
	_, err := st.InsertInbound(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, st.InsertRunLog(ctx, &domain.RunLog{
		TenantID: "t1", AgentID: "a1", InstanceID: "i1", MessageID: msg.ID, Channel: "whatsapp",
		Provider: domain.ProviderOpenAI, Model: "gpt-4o-mini", LatencyMs: 42, Status: domain.RunError, ErrorMessage: "quota exceeded",
	}))
	require.NoError(t, st.InsertWebhookLog(ctx, &domain.WebhookLog{InstanceID: "i1", EventType: "messages.upsert", Action: "failed", HTTPStatus: 200}))

	var plain, withRuns bytes.Buffer
	require.NoError(t, printHistory(ctx, &plain, st, "i1", "5511@s.whatsapp.net", false))
	assert.Contains(t, plain.String(), "hello there")
	assert.NotContains(t, plain.String(), "gpt-4o-mini")

	require.NoError(t, printHistory(ctx, &withRuns, st, "i1", "5511@s.whatsapp.net", true))
	assert.Contains(t, withRuns.String(), "openai/gpt-4o-mini 42ms  quota exceeded")

	var runs bytes.Buffer
	require.NoError(t, printRunLogs(ctx, &runs, st, "a1", 10))
	assert.Contains(t, runs.String(), "error")
	assert.Contains(t, runs.String(), "42ms")

	var hooks bytes.Buffer
	require.NoError(t, printWebhookLogs(ctx, &hooks, st, "i1", 10))
	assert.Contains(t, hooks.String(), "messages.upsert")
	assert.Contains(t, hooks.String(), "failed")
}
