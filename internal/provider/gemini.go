package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"agentrelay/internal/domain"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// Gemini calls generateContent. Assistant turns are sent with role "model"
// and system text as systemInstruction.
type Gemini struct {
	baseURL string
	client  *http.Client
}

type GeminiConfig struct {
	BaseURL string
	Client  *http.Client
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiDefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Gemini{baseURL: strings.TrimRight(cfg.BaseURL, "/"), client: cfg.Client}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// GeminiModelName strips vendor prefixes such as "google/" or "models/".
func GeminiModelName(model string) string {
	model = strings.TrimPrefix(model, "google/")
	return strings.TrimPrefix(model, "models/")
}

func (g *Gemini) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	model := GeminiModelName(req.Model)
	system, turns := splitSystem(req.SystemPrompt, req.Messages)
	turns = alternate(turns)

	body := geminiRequest{
		Contents: make([]geminiContent, 0, len(turns)),
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, t := range turns {
		role := "user"
		if t.Role == domain.RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: t.Content}}})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", &domain.ProviderError{Provider: domain.ProviderGemini, Model: model, Reason: domain.ReasonFormat, Err: fmt.Errorf("marshal: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		g.baseURL, url.PathEscape(model), url.QueryEscape(req.Credential.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", domain.NewTransportError(domain.ProviderGemini, model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", domain.NewTransportError(domain.ProviderGemini, model, redactKey(err, req.Credential.APIKey))
	}
	defer resp.Body.Close()

	if !statusOK(resp.StatusCode) {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", domain.NewStatusError(domain.ProviderGemini, model, resp.StatusCode, string(respBody))
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.ProviderError{Provider: domain.ProviderGemini, Model: model, Status: resp.StatusCode, Reason: domain.ReasonFormat, Err: fmt.Errorf("decode: %w", err)}
	}

	var parts []string
	if len(out.Candidates) > 0 {
		for _, p := range out.Candidates[0].Content.Parts {
			parts = append(parts, p.Text)
		}
	}
	text := strings.Join(parts, "")
	if strings.TrimSpace(text) == "" {
		return "", &domain.ProviderError{Provider: domain.ProviderGemini, Model: model, Status: resp.StatusCode, Reason: domain.ReasonEmpty, Err: errors.New("response has no candidates")}
	}
	return text, nil
}

// redactKey removes the API key from transport errors, which echo the request URL.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(key), "***")
	msg = strings.ReplaceAll(msg, key, "***")
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}
