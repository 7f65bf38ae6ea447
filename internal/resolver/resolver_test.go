package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/domain"
)

type fakeCatalog struct {
	agents     map[string]*domain.Agent
	creds      []domain.ProviderCredential
	agentErr   error
	credsErr   error
	credsCalls int
}

func (f *fakeCatalog) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	if f.agentErr != nil {
		return nil, f.agentErr
	}
	a, ok := f.agents[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "agent", ID: id}
	}
	return a, nil
}

func (f *fakeCatalog) ListActiveCredentials(_ context.Context, _ string) ([]domain.ProviderCredential, error) {
	f.credsCalls++
	return f.creds, f.credsErr
}

func newResolver(cat *fakeCatalog) *Resolver {
	return New(Config{
		Catalog: cat,
		FallbackModels: map[string]string{
			"openai":    "gpt-4o-mini",
			"anthropic": "claude-3-5-haiku-latest",
			"gemini":    "gemini-1.5-flash",
		},
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1024,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

var instance = &domain.Instance{ID: "i1", TenantID: "t1", AgentID: "a1"}

func textMessage() *domain.Message {
	return &domain.Message{ID: 7, Type: domain.TypeText, Content: "hi"}
}

func TestResolve_NoAgent(t *testing.T) {
	for name, cat := range map[string]*fakeCatalog{
		"missing":  {agents: map[string]*domain.Agent{}},
		"inactive": {agents: map[string]*domain.Agent{"a1": {ID: "a1", IsActive: false}}},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := newResolver(cat).Resolve(context.Background(), instance, textMessage())
			require.NoError(t, err)
			assert.Equal(t, domain.StatusIgnoredNoAgent, res.Ignore)
			assert.Zero(t, cat.credsCalls)
		})
	}

	res, err := newResolver(&fakeCatalog{}).Resolve(context.Background(), &domain.Instance{ID: "i2", TenantID: "t1"}, textMessage())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIgnoredNoAgent, res.Ignore)
}

func TestResolve_AgentLookupFailure(t *testing.T) {
	cat := &fakeCatalog{agentErr: errors.New("db down")}
	_, err := newResolver(cat).Resolve(context.Background(), instance, textMessage())
	require.ErrorContains(t, err, "db down")
}

func TestResolve_Media(t *testing.T) {
	cat := &fakeCatalog{agents: map[string]*domain.Agent{"a1": {ID: "a1", IsActive: true}}}
	res, err := newResolver(cat).Resolve(context.Background(), instance, &domain.Message{Type: domain.TypeImage, Content: "[image]"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIgnoredMedia, res.Ignore)
	assert.Zero(t, cat.credsCalls)
}

func TestResolve_PrefersAgentProvider(t *testing.T) {
	cat := &fakeCatalog{
		agents: map[string]*domain.Agent{"a1": {ID: "a1", IsActive: true, ProviderID: "claude", Model: "claude-3-5-sonnet-latest"}},
		creds: []domain.ProviderCredential{
			{ID: "c1", Provider: "openai", APIKey: "sk", IsActive: true},
			{ID: "c2", Provider: "anthropic", APIKey: "ak", IsActive: true, Temperature: 0.2, MaxTokens: 300},
		},
	}
	res, err := newResolver(cat).Resolve(context.Background(), instance, textMessage())
	require.NoError(t, err)
	assert.Empty(t, res.Ignore)
	assert.Equal(t, "c2", res.Credential.ID)
	assert.Equal(t, domain.ProviderAnthropic, res.Credential.Provider)
	assert.Equal(t, "claude-3-5-sonnet-latest", res.Model)
	assert.Equal(t, 0.2, res.Temperature)
	assert.Equal(t, 300, res.MaxTokens)
}

func TestResolve_SingleCredentialFallback(t *testing.T) {
	cat := &fakeCatalog{
		agents: map[string]*domain.Agent{"a1": {ID: "a1", IsActive: true, ProviderID: "anthropic", Model: "claude-3-opus", Temperature: 0.9}},
		creds:  []domain.ProviderCredential{{ID: "c1", Provider: "chatgpt", APIKey: "sk", IsActive: true}},
	}
	res, err := newResolver(cat).Resolve(context.Background(), instance, textMessage())
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderOpenAI, res.Credential.Provider)
	// the agent's claude model cannot run on an openai key
	assert.Equal(t, "gpt-4o-mini", res.Model)
	assert.Equal(t, 0.9, res.Temperature)
	assert.Equal(t, 1024, res.MaxTokens)
}

func TestResolve_NoProviderIDKeepsAgentModel(t *testing.T) {
	cat := &fakeCatalog{
		agents: map[string]*domain.Agent{"a1": {ID: "a1", IsActive: true, Model: "gemini-1.5-pro"}},
		creds:  []domain.ProviderCredential{{ID: "c1", Provider: "google", APIKey: "g", Model: "gemini-1.0", IsActive: true}},
	}
	res, err := newResolver(cat).Resolve(context.Background(), instance, textMessage())
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderGemini, res.Credential.Provider)
	assert.Equal(t, "gemini-1.5-pro", res.Model)
	assert.Equal(t, 0.7, res.Temperature)
}

func TestResolve_CredentialModelBeatsFallback(t *testing.T) {
	cat := &fakeCatalog{
		agents: map[string]*domain.Agent{"a1": {ID: "a1", IsActive: true, ProviderID: "openai"}},
		creds:  []domain.ProviderCredential{{ID: "c1", Provider: "openai", APIKey: "sk", Model: "gpt-4.1", IsActive: true}},
	}
	res, err := newResolver(cat).Resolve(context.Background(), instance, textMessage())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", res.Model)
}

func TestResolve_NoCredential(t *testing.T) {
	tests := map[string][]domain.ProviderCredential{
		"none": nil,
		"inactive only": {
			{ID: "c1", Provider: "openai", APIKey: "sk", IsActive: false},
		},
		"ambiguous": {
			{ID: "c1", Provider: "openai", APIKey: "sk", IsActive: true},
			{ID: "c2", Provider: "gemini", APIKey: "g", IsActive: true},
		},
		"unknown vendor": {
			{ID: "c1", Provider: "mistral", APIKey: "m", IsActive: true},
		},
	}
	for name, creds := range tests {
		t.Run(name, func(t *testing.T) {
			cat := &fakeCatalog{
				agents: map[string]*domain.Agent{"a1": {ID: "a1", IsActive: true, ProviderID: "anthropic"}},
				creds:  creds,
			}
			res, err := newResolver(cat).Resolve(context.Background(), instance, textMessage())
			var nc *domain.NoCredentialError
			require.True(t, errors.As(err, &nc), "got %v", err)
			assert.Equal(t, "t1", nc.TenantID)
			require.NotNil(t, res)
			assert.Equal(t, "a1", res.Agent.ID)
		})
	}
}
