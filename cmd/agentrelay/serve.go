package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"agentrelay/internal/alert"
	"agentrelay/internal/assembler"
	"agentrelay/internal/bus"
	"agentrelay/internal/config"
	"agentrelay/internal/convlock"
	"agentrelay/internal/dispatch"
	"agentrelay/internal/ingress"
	"agentrelay/internal/pipeline"
	"agentrelay/internal/probe"
	"agentrelay/internal/provider"
	"agentrelay/internal/resolver"
	"agentrelay/internal/runlog"
	"agentrelay/internal/server"
	"agentrelay/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Long:  "Starts the HTTP server that receives gateway webhooks, plus the optional connection probe and Telegram alerts. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStore,
			provideBus,
			provideRouter,
			provideResolver,
			provideAssembler,
			provideDispatcher,
			provideLocker,
			provideRecorder,
			providePipeline,
			provideProber,
			provideServerHandler(provideIngress),
			provideServer,
		),
		fx.Invoke(
			startAlerts,
			startProbe,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	var exitCode int
	select {
	case sig := <-app.Wait():
		exitCode = sig.ExitCode
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("server exited with code %d", exitCode)
	}
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger() *slog.Logger {
	return logger
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*store.Store, error) {
	st, err := store.Open(context.Background(), store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return st.Close() }})
	return st, nil
}

func provideBus(log *slog.Logger) *bus.EventBus {
	return bus.NewEventBus(log)
}

func provideRouter(cfg *config.Config, log *slog.Logger) *provider.Router {
	return provider.NewRouter(provider.Config{
		OpenAIBaseURL:    cfg.Providers.OpenAIBaseURL,
		AnthropicBaseURL: cfg.Providers.AnthropicBaseURL,
		AnthropicVersion: cfg.Providers.AnthropicVersion,
		GeminiBaseURL:    cfg.Providers.GeminiBaseURL,
		Timeout:          time.Duration(cfg.Providers.TimeoutSeconds) * time.Second,
		DefaultMaxTokens: cfg.Providers.MaxTokens,
		RatePerMinute:    cfg.Providers.RatePerMinute,
		Burst:            cfg.Providers.Burst,
		Logger:           log,
	})
}

func provideResolver(cfg *config.Config, st *store.Store, log *slog.Logger) *resolver.Resolver {
	return resolver.New(resolver.Config{
		Catalog:            st,
		FallbackModels:     cfg.Pipeline.FallbackModels,
		DefaultTemperature: cfg.Pipeline.DefaultTemperature,
		DefaultMaxTokens:   cfg.Providers.MaxTokens,
		Logger:             log,
	})
}

func provideAssembler(cfg *config.Config, st *store.Store, log *slog.Logger) *assembler.Assembler {
	return assembler.New(assembler.Config{
		History:             st,
		HistoryLimit:        cfg.Pipeline.HistoryLimit,
		DefaultSystemPrompt: cfg.Pipeline.DefaultSystemPrompt,
		Logger:              log,
	})
}

func provideDispatcher(cfg *config.Config, log *slog.Logger) (*dispatch.Dispatcher, error) {
	return dispatch.New(dispatch.Config{
		Templates: cfg.Gateway.SendTemplates,
		Timeout:   time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
		Logger:    log,
	})
}

func provideLocker(cfg *config.Config, st *store.Store, log *slog.Logger) (convlock.Locker, error) {
	switch cfg.Pipeline.Lock {
	case "advisory":
		if st.Dialect() != store.Postgres {
			return nil, errors.New("advisory conversation lock requires postgres")
		}
		return convlock.NewAdvisory(st.DB(), log), nil
	default:
		return convlock.NewMemory(), nil
	}
}

func provideRecorder(st *store.Store, log *slog.Logger) *runlog.Recorder {
	return runlog.New(st, log)
}

type pipelineParams struct {
	fx.In

	Config     *config.Config
	Store      *store.Store
	Locker     convlock.Locker
	Resolver   *resolver.Resolver
	Assembler  *assembler.Assembler
	Router     *provider.Router
	Dispatcher *dispatch.Dispatcher
	Recorder   *runlog.Recorder
	Bus        *bus.EventBus
	Logger     *slog.Logger
}

func providePipeline(p pipelineParams) *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		Store:       p.Store,
		Locker:      p.Locker,
		LockTimeout: time.Duration(p.Config.Pipeline.LockTimeoutSeconds) * time.Second,
		Resolver:    p.Resolver,
		Assembler:   p.Assembler,
		Generator:   p.Router,
		Sender:      p.Dispatcher,
		Recorder:    p.Recorder,
		Bus:         p.Bus,
		Logger:      p.Logger,
	})
}

func provideIngress(cfg *config.Config, st *store.Store, pipe *pipeline.Pipeline, eb *bus.EventBus, log *slog.Logger) *ingress.Handler {
	return ingress.New(ingress.Config{
		Path:                   cfg.Server.WebhookPath,
		Instances:              st,
		Messages:               st,
		Pipeline:               pipe,
		AllowUnsignedInstances: cfg.Webhook.AllowUnsignedInstances,
		MaxBodyBytes:           cfg.Webhook.MaxBodyBytes,
		LogPayloadBytes:        cfg.Webhook.LogPayloadBytes,
		Bus:                    eb,
		Logger:                 log,
	})
}

func provideProber(cfg *config.Config, st *store.Store, eb *bus.EventBus, log *slog.Logger) *probe.Prober {
	schedule := ""
	if cfg.Probe.Enabled {
		schedule = cfg.Probe.Schedule
	}
	return probe.New(probe.Config{
		Store:      st,
		StatusPath: cfg.Gateway.StatusPath,
		Timeout:    time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		Schedule:   schedule,
		Bus:        eb,
		Logger:     log,
	})
}

type serverParams struct {
	fx.In

	Config   *config.Config
	Store    *store.Store
	Logger   *slog.Logger
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(p serverParams) *server.Server {
	metricsPath := ""
	if p.Config.Metrics.Enabled {
		metricsPath = p.Config.Metrics.Path
	}
	return server.New(server.Config{
		Addr:        p.Config.Server.Addr,
		DB:          p.Store,
		MetricsPath: metricsPath,
		Handlers:    p.Handlers,
		Logger:      p.Logger,
	})
}

// startAlerts forwards failed-message events to Telegram when enabled. A
// Telegram login failure is logged and the relay keeps running.
func startAlerts(lc fx.Lifecycle, cfg *config.Config, eb *bus.EventBus, log *slog.Logger) {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sender, err := alert.NewTelegramSender(tg.Token, tg.APIEndpoint)
			if err != nil {
				log.Warn("telegram alerts disabled", "err", err)
				return nil
			}
			n := alert.New(sender, tg.ChatID, log)
			n.Subscribe(eb)
			go n.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

func startProbe(lc fx.Lifecycle, prober *probe.Prober) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return prober.Start() },
		OnStop:  func(ctx context.Context) error { return prober.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, srv *server.Server, shutdowner fx.Shutdowner, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", "addr", srv.Addr(), "err", err)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error { return srv.Stop(ctx) },
	})
}
