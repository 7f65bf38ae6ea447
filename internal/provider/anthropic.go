package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentrelay/internal/domain"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultVersion = "2023-06-01"
)

// Anthropic calls the Messages API. System text travels in the top-level
// system field, never as a message.
type Anthropic struct {
	baseURL string
	version string
	client  *http.Client
}

type AnthropicConfig struct {
	BaseURL string
	Version string
	Client  *http.Client
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = anthropicDefaultVersion
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Anthropic{baseURL: strings.TrimRight(cfg.BaseURL, "/"), version: cfg.Version, client: cfg.Client}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (a *Anthropic) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	system, turns := splitSystem(req.SystemPrompt, req.Messages)
	turns = alternate(turns)

	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    system,
		Messages:  make([]anthropicMessage, 0, len(turns)),
	}
	if req.Temperature > 0 {
		// Anthropic caps temperature at 1.0
		t := min(req.Temperature, 1.0)
		body.Temperature = &t
	}
	for _, t := range turns {
		body.Messages = append(body.Messages, anthropicMessage{Role: string(t.Role), Content: t.Content})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", &domain.ProviderError{Provider: domain.ProviderAnthropic, Model: req.Model, Reason: domain.ReasonFormat, Err: fmt.Errorf("marshal: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", domain.NewTransportError(domain.ProviderAnthropic, req.Model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Credential.APIKey)
	httpReq.Header.Set("anthropic-version", a.version)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", domain.NewTransportError(domain.ProviderAnthropic, req.Model, err)
	}
	defer resp.Body.Close()

	if !statusOK(resp.StatusCode) {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", domain.NewStatusError(domain.ProviderAnthropic, req.Model, resp.StatusCode, string(respBody))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.ProviderError{Provider: domain.ProviderAnthropic, Model: req.Model, Status: resp.StatusCode, Reason: domain.ReasonFormat, Err: fmt.Errorf("decode: %w", err)}
	}

	var parts []string
	for _, block := range out.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "")
	if strings.TrimSpace(text) == "" {
		return "", &domain.ProviderError{Provider: domain.ProviderAnthropic, Model: req.Model, Status: resp.StatusCode, Reason: domain.ReasonEmpty, Err: errors.New("response has no text content")}
	}
	return text, nil
}
