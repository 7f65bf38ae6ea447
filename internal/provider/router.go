// Package provider turns a canonical conversation into a reply using one of
// the supported LLM vendors. Every adapter reports failures as
// *domain.ProviderError; none of them retries.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/domain"
)

const maxErrorBody = 64 << 10

// Adapter speaks one vendor's wire format.
type Adapter interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (string, error)
}

type Config struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	AnthropicVersion string
	GeminiBaseURL    string
	Timeout          time.Duration
	DefaultMaxTokens int
	// RatePerMinute throttles calls per credential; zero disables it.
	RatePerMinute float64
	Burst         int
	Logger        *slog.Logger
}

// Router dispatches a GenerateRequest to the adapter of the credential's provider.
type Router struct {
	adapters         map[domain.ProviderID]Adapter
	timeout          time.Duration
	defaultMaxTokens int
	limits           *limiters
	logger           *slog.Logger
	mu               sync.RWMutex
}

// NewRouter creates a router with the built-in adapters registered.
func NewRouter(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 1024
	}
	client := SharedHTTPClient(cfg.Timeout)
	r := &Router{
		adapters:         make(map[domain.ProviderID]Adapter),
		timeout:          cfg.Timeout,
		defaultMaxTokens: cfg.DefaultMaxTokens,
		limits:           newLimiters(cfg.Burst, cfg.RatePerMinute),
		logger:           cfg.Logger.With("component", "provider"),
	}
	r.Register(domain.ProviderOpenAI, NewOpenAI(OpenAIConfig{BaseURL: cfg.OpenAIBaseURL, Client: client}))
	r.Register(domain.ProviderAnthropic, NewAnthropic(AnthropicConfig{BaseURL: cfg.AnthropicBaseURL, Version: cfg.AnthropicVersion, Client: client}))
	r.Register(domain.ProviderGemini, NewGemini(GeminiConfig{BaseURL: cfg.GeminiBaseURL, Client: client}))
	return r
}

// Register adds (or replaces) the adapter for a provider id.
func (r *Router) Register(id domain.ProviderID, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[id] = a
}

// Generate calls the credential's provider once. Waiting for the rate
// limiter and the call itself share the router timeout.
func (r *Router) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	id, ok := domain.ParseProviderID(string(req.Credential.Provider))
	if !ok {
		return "", &domain.ProviderError{
			Provider: req.Credential.Provider,
			Model:    req.Model,
			Reason:   domain.ReasonFormat,
			Err:      fmt.Errorf("unsupported provider %q", req.Credential.Provider),
		}
	}
	r.mu.RLock()
	adapter := r.adapters[id]
	r.mu.RUnlock()
	if adapter == nil {
		return "", &domain.ProviderError{Provider: id, Model: req.Model, Reason: domain.ReasonFormat, Err: fmt.Errorf("no adapter registered")}
	}

	req.Credential.Provider = id
	if req.MaxTokens <= 0 {
		req.MaxTokens = r.defaultMaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limits.wait(ctx, req.Credential.ID); err != nil {
		return "", &domain.ProviderError{Provider: id, Model: req.Model, Reason: domain.ReasonRateLimit, Err: fmt.Errorf("local rate limit: %w", err)}
	}

	start := time.Now()
	text, err := adapter.Generate(ctx, req)
	if err != nil {
		r.logger.Warn("generation failed", "provider", id, "model", req.Model, "elapsed", time.Since(start), "err", err)
		return "", err
	}
	r.logger.Debug("generation done", "provider", id, "model", req.Model, "elapsed", time.Since(start), "chars", len(text))
	return text, nil
}

// splitSystem separates system turns from the conversation. An explicit
// system prompt wins over system turns embedded in the message list.
func splitSystem(systemPrompt string, turns []domain.Turn) (string, []domain.Turn) {
	var (
		embedded []string
		rest     = make([]domain.Turn, 0, len(turns))
	)
	for _, t := range turns {
		if t.Role == domain.RoleSystem {
			if t.Content != "" {
				embedded = append(embedded, t.Content)
			}
			continue
		}
		rest = append(rest, t)
	}
	if systemPrompt != "" {
		return systemPrompt, rest
	}
	return strings.Join(embedded, "\n\n"), rest
}

// alternate merges consecutive turns of the same role and drops leading
// assistant turns, which vendors with strict user/assistant alternation reject.
func alternate(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if len(out) == 0 && t.Role != domain.RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	return out
}

func statusOK(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
