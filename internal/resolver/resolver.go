// Package resolver decides whether an inbound message gets an answer and,
// when it does, which agent, credential, model and sampling settings to use.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentrelay/internal/domain"
)

// Catalog is the read side of the tenant configuration.
type Catalog interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListActiveCredentials(ctx context.Context, tenantID string) ([]domain.ProviderCredential, error)
}

type Config struct {
	Catalog            Catalog
	FallbackModels     map[string]string
	DefaultTemperature float64
	DefaultMaxTokens   int
	Logger             *slog.Logger
}

type Resolver struct {
	catalog            Catalog
	fallbackModels     map[domain.ProviderID]string
	defaultTemperature float64
	defaultMaxTokens   int
	logger             *slog.Logger
}

// Resolution is the outcome of Resolve. When Ignore is set nothing else
// should happen with the message besides marking it with that status.
type Resolution struct {
	Ignore      domain.MessageStatus
	Agent       *domain.Agent
	Credential  domain.ProviderCredential
	Model       string
	Temperature float64
	MaxTokens   int
}

func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	models := make(map[domain.ProviderID]string, len(cfg.FallbackModels))
	for k, v := range cfg.FallbackModels {
		if id, ok := domain.ParseProviderID(k); ok {
			models[id] = v
		}
	}
	return &Resolver{
		catalog:            cfg.Catalog,
		fallbackModels:     models,
		defaultTemperature: cfg.DefaultTemperature,
		defaultMaxTokens:   cfg.DefaultMaxTokens,
		logger:             cfg.Logger.With("component", "resolver"),
	}
}

// Resolve never calls a provider. A missing credential is reported as
// *domain.NoCredentialError together with a Resolution carrying the agent.
func (r *Resolver) Resolve(ctx context.Context, inst *domain.Instance, msg *domain.Message) (*Resolution, error) {
	agent, err := r.agentFor(ctx, inst)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return &Resolution{Ignore: domain.StatusIgnoredNoAgent}, nil
	}
	if msg.Type != domain.TypeText && msg.Type != "" {
		return &Resolution{Ignore: domain.StatusIgnoredMedia, Agent: agent}, nil
	}

	res := &Resolution{Agent: agent}
	creds, err := r.catalog.ListActiveCredentials(ctx, inst.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	cred, matched, err := selectCredential(inst.TenantID, agent.ProviderID, creds)
	if err != nil {
		return res, err
	}
	cred.Provider, _ = domain.ParseProviderID(string(cred.Provider))
	res.Credential = cred

	// agent.model only applies when it targets the credential's vendor
	switch {
	case agent.Model != "" && matched:
		res.Model = agent.Model
	case cred.Model != "":
		res.Model = cred.Model
	default:
		res.Model = r.fallbackModels[cred.Provider]
	}
	if res.Model == "" {
		return res, &domain.NoCredentialError{TenantID: inst.TenantID, Provider: cred.Provider, Reason: "no model configured"}
	}

	switch {
	case agent.Temperature > 0:
		res.Temperature = agent.Temperature
	case cred.Temperature > 0:
		res.Temperature = cred.Temperature
	default:
		res.Temperature = r.defaultTemperature
	}

	res.MaxTokens = r.defaultMaxTokens
	if cred.MaxTokens > 0 {
		res.MaxTokens = cred.MaxTokens
	}

	r.logger.Debug("resolved", "message_id", msg.ID, "agent", agent.ID, "provider", cred.Provider, "model", res.Model)
	return res, nil
}

func (r *Resolver) agentFor(ctx context.Context, inst *domain.Instance) (*domain.Agent, error) {
	if inst.AgentID == "" {
		return nil, nil
	}
	agent, err := r.catalog.GetAgent(ctx, inst.AgentID)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			r.logger.Warn("instance points at a missing agent", "instance", inst.ID, "agent", inst.AgentID)
			return nil, nil
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if !agent.IsActive {
		return nil, nil
	}
	return agent, nil
}

// selectCredential prefers the active credential of the agent's provider,
// otherwise the tenant's only active credential. matched reports whether
// the first rule applied.
func selectCredential(tenantID string, want domain.ProviderID, creds []domain.ProviderCredential) (cred domain.ProviderCredential, matched bool, err error) {
	var active []domain.ProviderCredential
	for _, c := range creds {
		if !c.IsActive || c.APIKey == "" {
			continue
		}
		if _, ok := domain.ParseProviderID(string(c.Provider)); !ok {
			continue
		}
		active = append(active, c)
	}

	if wantID, ok := domain.ParseProviderID(string(want)); ok {
		for _, c := range active {
			if id, _ := domain.ParseProviderID(string(c.Provider)); id == wantID {
				return c, true, nil
			}
		}
	}

	switch len(active) {
	case 0:
		return cred, false, &domain.NoCredentialError{TenantID: tenantID, Provider: want, Reason: "no active credential"}
	case 1:
		// an agent without a provider id still owns the model it names
		return active[0], want == "", nil
	default:
		return cred, false, &domain.NoCredentialError{
			TenantID: tenantID,
			Provider: want,
			Reason:   fmt.Sprintf("%d active credentials and none matches the agent provider", len(active)),
		}
	}
}
