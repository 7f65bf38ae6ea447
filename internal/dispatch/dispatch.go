// Package dispatch delivers a reply through the messaging gateway, trying
// each configured send endpoint in order until one accepts it.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"agentrelay/internal/domain"
)

const maxResponseBody = 16 << 10

// Endpoint is the data available to a send URL template.
type Endpoint struct {
	ServerURL    string
	InstanceID   string
	InstanceName string
	Number       string
}

type Config struct {
	Templates []string
	Timeout   time.Duration // per attempt
	Client    *http.Client
	Logger    *slog.Logger
}

type Dispatcher struct {
	templates []*template.Template
	timeout   time.Duration
	client    *http.Client
	logger    *slog.Logger
}

// Result describes a successful delivery.
type Result struct {
	Endpoint string
	Status   int
	Attempts []domain.DeliveryAttempt
}

// New parses every template up front so a bad one fails at startup.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Templates) == 0 {
		return nil, fmt.Errorf("dispatch: no send endpoints configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		timeout: cfg.Timeout,
		client:  cfg.Client,
		logger:  cfg.Logger.With("component", "dispatch"),
	}
	for i, text := range cfg.Templates {
		tmpl, err := template.New(fmt.Sprintf("endpoint-%d", i)).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("dispatch: parse endpoint %d %q: %w", i, text, err)
		}
		d.templates = append(d.templates, tmpl)
	}
	return d, nil
}

// Number converts a remote chat id into the number the gateway expects.
func Number(remoteID string) string {
	for _, suffix := range []string{"@s.whatsapp.net", "@c.us"} {
		remoteID = strings.TrimSuffix(remoteID, suffix)
	}
	return remoteID
}

// URLs renders the endpoint list for an instance.
func (d *Dispatcher) URLs(inst *domain.Instance, remoteID string) ([]string, error) {
	data := Endpoint{
		ServerURL:    strings.TrimRight(inst.ServerURL, "/"),
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		Number:       Number(remoteID),
	}
	urls := make([]string, 0, len(d.templates))
	for _, tmpl := range d.templates {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render endpoint %s: %w", tmpl.Name(), err)
		}
		urls = append(urls, strings.TrimSpace(buf.String()))
	}
	return urls, nil
}

type sendPayload struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// Send posts text to the first endpoint that answers 2xx. When every
// endpoint fails the error is a *domain.DeliveryError listing each attempt.
func (d *Dispatcher) Send(ctx context.Context, inst *domain.Instance, remoteID, text string) (*Result, error) {
	urls, err := d.URLs(inst, remoteID)
	if err != nil {
		return nil, &domain.DeliveryError{Attempts: []domain.DeliveryAttempt{{Err: err}}}
	}
	body, err := json.Marshal(sendPayload{Number: Number(remoteID), Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}

	var attempts []domain.DeliveryAttempt
	idx, _ := tryInOrder(ctx, urls, func(ctx context.Context, url string) error {
		a := d.post(ctx, url, inst.Token, body)
		attempts = append(attempts, a)
		if a.Err != nil {
			return a.Err
		}
		if a.Status < 200 || a.Status > 299 {
			return fmt.Errorf("status %d", a.Status)
		}
		return nil
	})
	if idx < 0 {
		if len(attempts) == 0 && ctx.Err() != nil {
			attempts = append(attempts, domain.DeliveryAttempt{Err: ctx.Err()})
		}
		d.logger.Warn("delivery failed on every endpoint", "instance", inst.ID, "attempts", len(attempts))
		return nil, &domain.DeliveryError{Attempts: attempts}
	}

	used := attempts[len(attempts)-1]
	if idx > 0 {
		d.logger.Info("delivered via fallback endpoint", "instance", inst.ID, "endpoint", used.URL, "position", idx)
	}
	return &Result{Endpoint: used.URL, Status: used.Status, Attempts: attempts}, nil
}

func (d *Dispatcher) post(ctx context.Context, url, token string, body []byte) domain.DeliveryAttempt {
	a := domain.DeliveryAttempt{URL: url}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		a.Err = fmt.Errorf("build request: %w", err)
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", token)

	resp, err := d.client.Do(req)
	if err != nil {
		a.Err = err
		return a
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	a.Status = resp.StatusCode
	a.Body = string(respBody)
	return a
}
