package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"agentrelay/internal/domain"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI calls the chat completions API through go-openai.
type OpenAI struct {
	baseURL string
	client  *http.Client
}

type OpenAIConfig struct {
	BaseURL string
	Client  *http.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openaiDefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &OpenAI{baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: cfg.Client}
}

func (o *OpenAI) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	config := openai.DefaultConfig(req.Credential.APIKey)
	config.BaseURL = o.baseURL
	config.HTTPClient = o.client
	client := openai.NewClientWithConfig(config)

	system, turns := splitSystem(req.SystemPrompt, req.Messages)
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", openaiError(req.Model, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &domain.ProviderError{
			Provider: domain.ProviderOpenAI,
			Model:    req.Model,
			Status:   http.StatusOK,
			Reason:   domain.ReasonEmpty,
			Err:      errors.New("response has no content"),
		}
	}
	return resp.Choices[0].Message.Content, nil
}

func openaiError(model string, err error) *domain.ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		pe := domain.NewStatusError(domain.ProviderOpenAI, model, apiErr.HTTPStatusCode, apiErr.Message)
		pe.Err = err
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		pe := domain.NewStatusError(domain.ProviderOpenAI, model, reqErr.HTTPStatusCode, body)
		pe.Err = err
		return pe
	}
	return domain.NewTransportError(domain.ProviderOpenAI, model, err)
}
