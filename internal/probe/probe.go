// Package probe asks the messaging gateway whether each instance is
// connected and records the answer on the instance row.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentrelay/internal/bus"
	"agentrelay/internal/domain"
)

type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	ListInstances(ctx context.Context) ([]domain.Instance, error)
	UpdateInstanceConnection(ctx context.Context, id string, status domain.InstanceStatus, lastConnection *time.Time) error
}

type Config struct {
	Store      InstanceStore
	StatusPath string
	Timeout    time.Duration
	Schedule   string // standard cron spec or @every; empty disables Start
	Client     *http.Client
	Bus        *bus.EventBus
	Logger     *slog.Logger
}

type Prober struct {
	store      InstanceStore
	statusPath string
	timeout    time.Duration
	schedule   string
	client     *http.Client
	bus        *bus.EventBus
	logger     *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Result is the outcome of probing one instance.
type Result struct {
	InstanceID string
	Connected  bool
	State      string
	HTTPStatus int
	Err        error
}

func (r Result) Status() domain.InstanceStatus {
	if r.Connected {
		return domain.InstanceConnected
	}
	return domain.InstanceDisconnected
}

func New(cfg Config) *Prober {
	if cfg.StatusPath == "" {
		cfg.StatusPath = "/instance/connectionState"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Prober{
		store:      cfg.Store,
		statusPath: cfg.StatusPath,
		timeout:    cfg.Timeout,
		schedule:   cfg.Schedule,
		client:     cfg.Client,
		bus:        cfg.Bus,
		logger:     cfg.Logger.With("component", "probe"),
	}
}

type stateResponse struct {
	State    string `json:"state"`
	Instance *struct {
		State string `json:"state"`
	} `json:"instance"`
}

// Check queries the gateway for one instance without touching the store.
func (p *Prober) Check(ctx context.Context, inst *domain.Instance) Result {
	res := Result{InstanceID: inst.ID}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := strings.TrimRight(inst.ServerURL, "/") + p.statusPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}
	req.Header.Set("apikey", inst.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	res.HTTPStatus = resp.StatusCode

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return res
	}

	var sr stateResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		res.Err = fmt.Errorf("decode state: %w", err)
		return res
	}
	res.State = sr.State
	if res.State == "" && sr.Instance != nil {
		res.State = sr.Instance.State
	}
	res.Connected = res.State == "open"
	return res
}

// Probe checks one instance and stores its connection status.
// last_connection_at only advances while connected.
func (p *Prober) Probe(ctx context.Context, inst *domain.Instance) (Result, error) {
	res := p.Check(ctx, inst)

	var last *time.Time
	if res.Connected {
		now := time.Now().UTC()
		last = &now
	}
	if err := p.store.UpdateInstanceConnection(ctx, inst.ID, res.Status(), last); err != nil {
		return res, fmt.Errorf("update instance %s: %w", inst.ID, err)
	}

	if res.Err != nil {
		p.logger.Warn("instance probe failed", "instance", inst.ID, "err", res.Err)
	} else if inst.Status != res.Status() {
		p.logger.Info("instance status changed", "instance", inst.ID, "from", inst.Status, "to", res.Status())
	}
	if p.bus != nil {
		payload := map[string]any{
			"instance_id": inst.ID,
			"tenant_id":   inst.TenantID,
			"status":      string(res.Status()),
			"previous":    string(inst.Status),
			"state":       res.State,
		}
		if res.Err != nil {
			payload["error"] = res.Err.Error()
		}
		p.bus.Emit(bus.Event{Type: bus.EventInstanceStatus, Source: "probe", Payload: payload})
	}
	return res, nil
}

// ProbeByID loads the instance and probes it.
func (p *Prober) ProbeByID(ctx context.Context, id string) (Result, error) {
	inst, err := p.store.GetInstance(ctx, id)
	if err != nil {
		return Result{InstanceID: id, Err: err}, err
	}
	return p.Probe(ctx, inst)
}

// ProbeAll probes every instance in turn. A store error stops the sweep;
// gateway errors are reported in the results.
func (p *Prober) ProbeAll(ctx context.Context) ([]Result, error) {
	instances, err := p.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(instances))
	for i := range instances {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.Probe(ctx, &instances[i])
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Start schedules ProbeAll on the configured cron spec.
func (p *Prober) Start() error {
	if p.schedule == "" {
		return nil
	}
	sched, err := cron.ParseStandard(p.schedule)
	if err != nil {
		return fmt.Errorf("probe schedule %q: %w", p.schedule, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return fmt.Errorf("probe scheduler is already running")
	}
	p.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	p.cron.Schedule(sched, cron.FuncJob(p.sweep))
	p.cron.Start()
	p.logger.Info("probe scheduled", "schedule", p.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep up to ctx.
func (p *Prober) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) sweep() {
	results, err := p.ProbeAll(context.Background())
	if err != nil {
		p.logger.Error("probe sweep failed", "err", err)
		return
	}
	connected := 0
	for _, r := range results {
		if r.Connected {
			connected++
		}
	}
	p.logger.Debug("probe sweep done", "instances", len(results), "connected", connected)
}
