// Package ingress receives gateway webhooks, authenticates them per
// instance, stores the message idempotently and hands it to the pipeline.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"agentrelay/internal/bus"
	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
	"agentrelay/internal/pipeline"
)

const (
	SecretHeader        = "x-webhook-secret"
	defaultMaxBodyBytes = 1 << 20
)

type InstanceFinder interface {
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	GetInstanceByToken(ctx context.Context, token string) (*domain.Instance, error)
}

type MessageStore interface {
	InsertInbound(ctx context.Context, m *domain.Message) (bool, error)
	InsertWebhookLog(ctx context.Context, l *domain.WebhookLog) error
}

type Processor interface {
	Process(ctx context.Context, inst *domain.Instance, msg *domain.Message) pipeline.Outcome
}

type Config struct {
	Path                   string
	Instances              InstanceFinder
	Messages               MessageStore
	Pipeline               Processor
	AllowUnsignedInstances bool
	MaxBodyBytes           int64
	LogPayloadBytes        int
	Bus                    *bus.EventBus
	Logger                 *slog.Logger
}

type Handler struct {
	path            string
	instances       InstanceFinder
	messages        MessageStore
	pipeline        Processor
	allowUnsigned   bool
	maxBodyBytes    int64
	logPayloadBytes int
	bus             *bus.EventBus
	logger          *slog.Logger
}

// Response is the JSON body of every webhook answer.
type Response struct {
	Success   bool   `json:"success"`
	Action    string `json:"action,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		path:            cfg.Path,
		instances:       cfg.Instances,
		messages:        cfg.Messages,
		pipeline:        cfg.Pipeline,
		allowUnsigned:   cfg.AllowUnsignedInstances,
		maxBodyBytes:    cfg.MaxBodyBytes,
		logPayloadBytes: cfg.LogPayloadBytes,
		bus:             cfg.Bus,
		logger:          cfg.Logger.With("component", "ingress"),
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.POST(h.path, h.Handle)
}

// Handle processes one webhook delivery synchronously; the response tells
// the gateway what became of the message.
func (h *Handler) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(body)) > h.maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", h.maxBodyBytes))
	}

	inst, err := h.findInstance(ctx, c.QueryParam("instance"), body)
	if err != nil {
		return h.httpError(err)
	}
	if err := h.authenticate(inst, c.Request().Header.Get(SecretHeader)); err != nil {
		h.logger.Warn("webhook rejected", "instance", inst.ID, "err", err)
		return h.httpError(err)
	}

	in, err := Normalize(body)
	if err != nil {
		h.writeLog(ctx, inst, "", "invalid", http.StatusBadRequest, body)
		return h.httpError(err)
	}

	resp, status := h.accept(ctx, inst, in)
	h.writeLog(ctx, inst, in.EventType, resp.Action, status, body)
	if status >= http.StatusInternalServerError {
		h.logger.Error("webhook processing failed", "instance", inst.ID, "action", resp.Action, "err", resp.Error)
		return echo.NewHTTPError(status, resp.Error)
	}
	return c.JSON(status, resp)
}

func (h *Handler) accept(ctx context.Context, inst *domain.Instance, in *Inbound) (Response, int) {
	drop := func(a pipeline.Action) (Response, int) {
		metrics.Outcome(string(a)).Inc()
		return Response{Success: true, Action: string(a)}, http.StatusOK
	}
	switch {
	case !in.HasMessage:
		return drop(pipeline.ActionIgnoredEvent)
	case in.FromMe:
		return drop(pipeline.ActionIgnoredSelf)
	case in.IsGroup:
		return drop(pipeline.ActionIgnoredGroup)
	case in.RemoteID == "" || strings.TrimSpace(in.Text) == "":
		return drop(pipeline.ActionIgnoredContent)
	case in.ExternalID == "":
		err := &domain.ValidationError{Reason: "message id is required"}
		return Response{Success: false, Action: "invalid", Error: err.Error()}, domain.HTTPStatus(err)
	}

	msg := &domain.Message{
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		RemoteID:   in.RemoteID,
		ExternalID: in.ExternalID,
		Type:       in.Type,
		Content:    in.Text,
		MediaURL:   in.MediaURL,
		PushName:   in.PushName,
	}
	created, err := h.messages.InsertInbound(ctx, msg)
	if err != nil {
		return Response{Success: false, Action: string(pipeline.ActionError), Error: err.Error()}, http.StatusInternalServerError
	}
	metrics.WebhooksTotal.Inc()
	if !created && msg.Status.Terminal() {
		metrics.Outcome(string(pipeline.ActionDuplicate)).Inc()
		return Response{Success: true, Action: string(pipeline.ActionDuplicate), MessageID: msg.ID}, http.StatusOK
	}
	if created && h.bus != nil {
		h.bus.Emit(bus.Event{Type: bus.EventMessageReceived, Source: "ingress", Payload: map[string]any{
			"message_id": msg.ID, "instance_id": inst.ID, "remote_id": msg.RemoteID, "type": string(msg.Type),
		}})
	}

	out := h.pipeline.Process(ctx, inst, msg)
	resp := Response{Success: out.Success(), Action: string(out.Action), MessageID: msg.ID}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	status := http.StatusOK
	if out.Action == pipeline.ActionError {
		status = http.StatusInternalServerError
	}
	return resp, status
}

func (h *Handler) findInstance(ctx context.Context, id string, body []byte) (*domain.Instance, error) {
	if id = strings.TrimSpace(id); id != "" {
		return h.instances.GetInstance(ctx, id)
	}
	var env struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &domain.ValidationError{Reason: "body is not a JSON object"}
	}
	if strings.TrimSpace(env.Token) == "" {
		return nil, &domain.ValidationError{Reason: "missing instance parameter or token"}
	}
	return h.instances.GetInstanceByToken(ctx, env.Token)
}

// authenticate compares the secret header in constant time. Instances
// without a stored secret are refused unless explicitly allowed.
func (h *Handler) authenticate(inst *domain.Instance, got string) error {
	if inst.WebhookSecret == "" {
		if h.allowUnsigned {
			h.logger.Warn("accepting webhook for instance without a secret", "instance", inst.ID)
			return nil
		}
		return &domain.AuthError{Reason: "instance has no webhook secret configured", Unconfigured: true}
	}
	if got == "" {
		return &domain.AuthError{Reason: "missing " + SecretHeader + " header"}
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(inst.WebhookSecret)) != 1 {
		return &domain.AuthError{Reason: "invalid webhook secret"}
	}
	return nil
}

func (h *Handler) httpError(err error) error {
	status := domain.HTTPStatus(err)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return echo.NewHTTPError(status, "instance not found")
	}
	return echo.NewHTTPError(status, err.Error())
}

func (h *Handler) writeLog(ctx context.Context, inst *domain.Instance, eventType, action string, status int, body []byte) {
	entry := &domain.WebhookLog{
		InstanceID: inst.ID,
		EventType:  eventType,
		Action:     action,
		HTTPStatus: status,
		Payload:    clip(body, h.logPayloadBytes),
	}
	if err := h.messages.InsertWebhookLog(context.WithoutCancel(ctx), entry); err != nil {
		h.logger.Warn("webhook log write failed", "instance", inst.ID, "err", err)
	}
}

// clip keeps at most n bytes of b without splitting a UTF-8 sequence.
func clip(b []byte, n int) string {
	if n <= 0 {
		return ""
	}
	if len(b) <= n {
		return string(b)
	}
	b = b[:n]
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if r, size := utf8.DecodeLastRune(b); r != utf8.RuneError || size != 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}
