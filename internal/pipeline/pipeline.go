// Package pipeline answers one stored inbound message end to end: resolve
// the agent, assemble context, generate, deliver, and record the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentrelay/internal/assembler"
	"agentrelay/internal/bus"
	"agentrelay/internal/convlock"
	"agentrelay/internal/dispatch"
	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
	"agentrelay/internal/resolver"
	"agentrelay/internal/runlog"
	"agentrelay/internal/store"
)

const defaultLockTimeout = 90 * time.Second

type MessageStore interface {
	TransitionMessage(ctx context.Context, t store.Transition) (bool, error)
	InsertOutbound(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
	PendingBefore(ctx context.Context, instanceID, remoteID string, beforeID int64) ([]*domain.Message, error)
}

type Resolver interface {
	Resolve(ctx context.Context, inst *domain.Instance, msg *domain.Message) (*resolver.Resolution, error)
}

type Assembler interface {
	Assemble(ctx context.Context, agent *domain.Agent, current *domain.Message) (*assembler.Context, error)
}

type Sender interface {
	Send(ctx context.Context, inst *domain.Instance, remoteID, text string) (*dispatch.Result, error)
}

type Config struct {
	Store       MessageStore
	Locker      convlock.Locker
	LockTimeout time.Duration
	Resolver    Resolver
	Assembler   Assembler
	Generator   domain.Generator
	Sender      Sender
	Recorder    *runlog.Recorder
	Bus         *bus.EventBus
	Logger      *slog.Logger
}

type Pipeline struct {
	store       MessageStore
	locker      convlock.Locker
	lockTimeout time.Duration
	resolver    Resolver
	assembler   Assembler
	generator   domain.Generator
	sender      Sender
	recorder    *runlog.Recorder
	bus         *bus.EventBus
	logger      *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.Locker == nil {
		cfg.Locker = convlock.NewMemory()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewEventBus(cfg.Logger)
	}
	return &Pipeline{
		store:       cfg.Store,
		locker:      cfg.Locker,
		lockTimeout: cfg.LockTimeout,
		resolver:    cfg.Resolver,
		assembler:   cfg.Assembler,
		generator:   cfg.Generator,
		sender:      cfg.Sender,
		recorder:    cfg.Recorder,
		bus:         cfg.Bus,
		logger:      cfg.Logger.With("component", "pipeline"),
	}
}

// Process runs a pending inbound message through the pipeline. Older
// pending messages of the same conversation are answered first. Every error
// ends up in the returned Outcome.
func (p *Pipeline) Process(ctx context.Context, inst *domain.Instance, msg *domain.Message) Outcome {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	return p.finish(inst, msg, p.process(ctx, inst, msg))
}

func (p *Pipeline) finish(inst *domain.Instance, msg *domain.Message, out Outcome) Outcome {
	out.MessageID = msg.ID
	metrics.Outcome(string(out.Action)).Inc()
	p.emit(inst, msg, out)
	return out
}

func (p *Pipeline) process(ctx context.Context, inst *domain.Instance, msg *domain.Message) Outcome {
	if msg.Status.Terminal() {
		return Outcome{Action: ActionDuplicate}
	}

	lockCtx, cancel := context.WithTimeout(ctx, p.lockTimeout)
	unlock, err := p.locker.Lock(lockCtx, msg.ConversationKey())
	cancel()
	if err != nil {
		return Outcome{Action: ActionError, Err: fmt.Errorf("acquire conversation lock: %w", err)}
	}
	defer unlock()

	// the rest of the run must record its result even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	// a later message may win the lock; replies still follow arrival order
	earlier, err := p.store.PendingBefore(ctx, msg.InstanceID, msg.RemoteID, msg.ID)
	if err != nil {
		return Outcome{Action: ActionError, Err: err}
	}
	for _, e := range earlier {
		out := p.finish(inst, e, p.answer(ctx, inst, e))
		if out.Action == ActionError {
			return Outcome{Action: ActionError, Err: fmt.Errorf("earlier message %d: %w", e.ID, out.Err)}
		}
	}
	return p.answer(ctx, inst, msg)
}

// answer claims msg and runs it to a terminal state. The conversation lock
// must be held.
func (p *Pipeline) answer(ctx context.Context, inst *domain.Instance, msg *domain.Message) Outcome {
	claimed, err := p.store.TransitionMessage(ctx, store.Transition{ID: msg.ID, To: domain.StatusProcessing})
	if err != nil {
		return Outcome{Action: ActionError, Err: err}
	}
	if !claimed {
		current, err := p.store.GetMessage(ctx, msg.ID)
		if err != nil {
			return Outcome{Action: ActionError, Err: err}
		}
		if current.Status.Terminal() {
			return Outcome{Action: ActionDuplicate}
		}
		return Outcome{Action: ActionInFlight}
	}
	msg.Status = domain.StatusProcessing

	res, err := p.resolver.Resolve(ctx, inst, msg)
	var noCred *domain.NoCredentialError
	switch {
	case errors.As(err, &noCred):
		return p.fail(ctx, msg, transitionFor(msg, res), err)
	case err != nil:
		return p.fail(ctx, msg, transitionFor(msg, nil), err)
	case res.Ignore != "":
		return p.ignore(ctx, msg, res)
	}

	asm, err := p.assembler.Assemble(ctx, res.Agent, msg)
	if err != nil {
		return p.fail(ctx, msg, transitionFor(msg, res), err)
	}

	reply, err := p.generate(ctx, msg, res, asm)
	if err != nil {
		return p.fail(ctx, msg, transitionFor(msg, res), err)
	}

	return p.deliver(ctx, inst, msg, res, asm, reply)
}

func (p *Pipeline) generate(ctx context.Context, msg *domain.Message, res *resolver.Resolution, asm *assembler.Context) (string, error) {
	metrics.ProviderRequests.Inc()
	start := time.Now()
	reply, err := p.generator.Generate(ctx, domain.GenerateRequest{
		Credential:   res.Credential,
		Model:        res.Model,
		Messages:     asm.Turns,
		Temperature:  res.Temperature,
		SystemPrompt: asm.SystemPrompt,
		MaxTokens:    res.MaxTokens,
	})
	elapsed := time.Since(start)
	metrics.ProviderLatency.Observe(elapsed.Seconds())
	if err != nil {
		metrics.ProviderErrors.Inc()
	}

	if p.recorder != nil {
		if _, rerr := p.recorder.Record(ctx, runlog.Attempt{
			Message:     msg,
			AgentID:     res.Agent.ID,
			Provider:    res.Credential.Provider,
			Model:       res.Model,
			Temperature: res.Temperature,
			Input:       asm.UserTurn(),
			Output:      reply,
			Latency:     elapsed,
			Err:         err,
		}); rerr != nil {
			p.logger.Error("run log write failed", "message_id", msg.ID, "err", rerr)
		}
	}
	return reply, err
}

// deliver sends the reply and writes exactly one outbound row, then moves
// the inbound message to its terminal state.
func (p *Pipeline) deliver(ctx context.Context, inst *domain.Instance, msg *domain.Message, res *resolver.Resolution, asm *assembler.Context, reply string) Outcome {
	start := time.Now()
	result, sendErr := p.sender.Send(ctx, inst, msg.RemoteID, reply)
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	outbound := &domain.Message{
		TenantID:   msg.TenantID,
		InstanceID: msg.InstanceID,
		RemoteID:   msg.RemoteID,
		Type:       domain.TypeText,
		Content:    reply,
		AgentID:    res.Agent.ID,
		Provider:   string(res.Credential.Provider),
		Model:      res.Model,
	}
	if sendErr != nil {
		metrics.DeliveryFailures.Inc()
		outbound.Status = domain.StatusFailed
		outbound.ErrorMessage = sendErr.Error()
		var de *domain.DeliveryError
		if errors.As(sendErr, &de) && de.LastBody() != "" {
			outbound.ErrorMessage = de.LastBody()
		}
	} else {
		outbound.Status = domain.StatusSent
		outbound.Endpoint = result.Endpoint
	}
	var outboundErr error
	if err := p.store.InsertOutbound(ctx, outbound); err != nil {
		p.logger.Error("outbound row write failed", "message_id", msg.ID, "err", err)
		outboundErr = fmt.Errorf("store outbound row: %w", err)
	}

	if sendErr != nil {
		out := p.fail(ctx, msg, transitionFor(msg, res), sendErr)
		out.Reply = reply
		if outboundErr != nil && out.Action != ActionError {
			out.Action = ActionError
			out.Err = errors.Join(sendErr, outboundErr)
		}
		return out
	}

	if p.recorder != nil {
		if err := p.recorder.CountReply(ctx, res.Agent.ID, asm.HistoryLen == 0); err != nil {
			p.logger.Error("agent counters update failed", "agent", res.Agent.ID, "err", err)
		}
	}

	t := transitionFor(msg, res)
	t.To = domain.StatusProcessed
	if _, err := p.store.TransitionMessage(ctx, t); err != nil {
		return Outcome{Action: ActionError, Reply: reply, Endpoint: result.Endpoint, Err: err}
	}
	msg.Status = domain.StatusProcessed
	if outboundErr != nil {
		// the reply went out; the terminal inbound row keeps a retry from resending it
		return Outcome{Action: ActionError, Reply: reply, Endpoint: result.Endpoint, Err: outboundErr}
	}
	p.logger.Info("message answered", "message_id", msg.ID, "instance", msg.InstanceID,
		"provider", res.Credential.Provider, "model", res.Model, "endpoint", result.Endpoint)
	return Outcome{Action: ActionProcessed, Reply: reply, Endpoint: result.Endpoint}
}

func (p *Pipeline) ignore(ctx context.Context, msg *domain.Message, res *resolver.Resolution) Outcome {
	t := transitionFor(msg, res)
	t.To = res.Ignore
	if _, err := p.store.TransitionMessage(ctx, t); err != nil {
		return Outcome{Action: ActionError, Err: err}
	}
	msg.Status = res.Ignore
	p.logger.Debug("message ignored", "message_id", msg.ID, "status", res.Ignore)
	return Outcome{Action: Action(res.Ignore)}
}

// fail marks the inbound message failed. Infrastructure causes (store
// failures) are not the message's fault: the claim is released back to
// pending so a redelivery runs it again, and the run reports ActionError.
func (p *Pipeline) fail(ctx context.Context, msg *domain.Message, t store.Transition, cause error) Outcome {
	if domain.HTTPStatus(cause) >= 500 {
		return p.release(ctx, msg, cause)
	}
	t.To = domain.StatusFailed
	t.ErrorMessage = cause.Error()
	if _, err := p.store.TransitionMessage(ctx, t); err != nil {
		p.logger.Error("mark failed", "message_id", msg.ID, "err", err)
		return Outcome{Action: ActionError, Err: errors.Join(cause, err)}
	}
	msg.Status = domain.StatusFailed
	p.logger.Warn("message failed", "message_id", msg.ID, "instance", msg.InstanceID, "err", cause)
	return Outcome{Action: ActionFailed, Err: cause}
}

func (p *Pipeline) release(ctx context.Context, msg *domain.Message, cause error) Outcome {
	_, err := p.store.TransitionMessage(ctx, store.Transition{
		ID:   msg.ID,
		From: []domain.MessageStatus{domain.StatusProcessing},
		To:   domain.StatusPending,
	})
	if err != nil {
		p.logger.Error("release claim", "message_id", msg.ID, "err", err)
		return Outcome{Action: ActionError, Err: errors.Join(cause, err)}
	}
	msg.Status = domain.StatusPending
	p.logger.Error("message left pending", "message_id", msg.ID, "instance", msg.InstanceID, "err", cause)
	return Outcome{Action: ActionError, Err: cause}
}

func transitionFor(msg *domain.Message, res *resolver.Resolution) store.Transition {
	t := store.Transition{ID: msg.ID}
	if res != nil && res.Agent != nil {
		t.AgentID = res.Agent.ID
		t.Provider = string(res.Credential.Provider)
		t.Model = res.Model
	}
	return t
}

func (p *Pipeline) emit(inst *domain.Instance, msg *domain.Message, out Outcome) {
	var eventType string
	switch out.Action {
	case ActionProcessed:
		eventType = bus.EventMessageProcessed
	case ActionFailed, ActionError:
		eventType = bus.EventMessageFailed
	case ActionDuplicate, ActionInFlight:
		eventType = bus.EventMessageDuplicate
	default:
		eventType = bus.EventMessageIgnored
	}
	payload := map[string]any{
		"message_id":  msg.ID,
		"tenant_id":   msg.TenantID,
		"instance_id": inst.ID,
		"instance":    inst.Name,
		"remote_id":   msg.RemoteID,
		"action":      string(out.Action),
	}
	if out.Err != nil {
		payload["error"] = out.Err.Error()
	}
	p.bus.Emit(bus.Event{Type: eventType, Source: "pipeline", Payload: payload})
}
