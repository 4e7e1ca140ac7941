package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ChainTrader/internal/api"
	"ChainTrader/internal/auth"
	"ChainTrader/internal/clientfactory"
	"ChainTrader/internal/events"
	"ChainTrader/internal/executor"
	"ChainTrader/internal/llm/openai"
	"ChainTrader/internal/observability/alerting"
	"ChainTrader/internal/observability/metrics"
	"ChainTrader/internal/orchestrator"
	"ChainTrader/internal/registry"
	"ChainTrader/internal/router"
	"ChainTrader/internal/session"
	"ChainTrader/internal/web3"
	"ChainTrader/pkg/logger"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP agent server",
		Example: `chaintraderd serve --addr :8080`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.address")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, addr string) error {
	a, err := loadApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	log := logger.Named("chaintraderd")

	bus, err := events.Open(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer bus.Close()
	emitter := events.NewEmitter(bus)

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	go func() {
		if err := bus.Subscribe(subCtx, 2, events.AuditSink); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrClosed) {
			log.Warn("事件订阅退出", slog.String("error", err.Error()))
		}
	}()

	factory := clientfactory.New(a.store, a.chains)
	defer factory.Close()
	sessions := session.NewManager(a.store, factory)
	a.store.OnDelete(factory.Invalidate)
	a.store.OnDelete(sessions.ForgetAgent)
	a.store.OnDelete(func(agentID string) {
		evt := events.New(events.TypeAgentDeleted)
		evt.AgentID = agentID
		evt.OK = true
		emitter.Emit(context.Background(), evt)
	})
	a.store.OnNetworkChange(func(agentID string, _, to web3.Network) {
		factory.Invalidate(agentID)
		evt := events.New(events.TypeAgentNetwork)
		evt.AgentID = agentID
		evt.Network = string(to)
		evt.OK = true
		emitter.Emit(context.Background(), evt)
	})

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.Alerting.TimeoutSeconds) * time.Second},
		})
	}
	exec := executor.New(factory,
		executor.WithConfig(executor.Config{
			MaxAttempts:    cfg.Executor.MaxAttempts,
			BaseBackoff:    cfg.Executor.BaseBackoff(),
			MaxBackoff:     cfg.Executor.MaxBackoff(),
			Jitter:         true,
			ConfirmTimeout: cfg.Executor.ConfirmTimeout(),
			BroadcastRPS:   cfg.Executor.BroadcastRPS,
		}),
		executor.WithAlerts(alerting.NewFanout(notifiers...)),
	)

	reg, err := registry.New(a.defs)
	if err != nil {
		return err
	}
	defaultNetwork, _ := web3.ParseNetwork(cfg.Web3.DefaultNetwork)
	rt := router.New(reg, sessions, factory, exec,
		router.WithReadTimeout(cfg.Web3.QueryTimeout()),
		router.WithEmitter(emitter),
		router.WithDefaultNetwork(defaultNetwork),
	)

	deps := api.Deps{
		Router:   rt,
		Sessions: sessions,
		Agents:   a.store,
		Tokens:   auth.NewTokens(cfg.Server.APITokens),
		Events:   emitter,
	}
	if model, err := openai.NewClient(openai.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout(),
		MaxRetries: cfg.LLM.MaxRetries,
	}); err != nil {
		log.Warn("大模型未配置，/chat 不可用", slog.String("error", err.Error()))
	} else {
		deps.Chat = orchestrator.New(model, rt, reg, sessions,
			orchestrator.WithMaxToolRounds(cfg.LLM.MaxToolRounds),
			orchestrator.WithHistoryDepth(cfg.LLM.HistoryDepth),
			orchestrator.WithLLMTimeout(cfg.LLM.Timeout()),
			orchestrator.WithTemperature(cfg.LLM.Temperature),
		)
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("指标服务退出", slog.String("error", err.Error()))
			}
		}()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Info("chaintraderd 启动",
		slog.String("addr", addr),
		slog.String("version", version),
		slog.Int("networks", len(a.defs.Networks)),
		slog.Int("functions", len(reg.Names())))
	err = api.NewServer(addr, deps).Start(ctx)
	stats := factory.Stats()
	log.Info("chaintraderd 停止",
		slog.Int("cached_clients", stats.Handles),
		slog.Int64("builds", stats.Builds),
		slog.Int64("hits", stats.Hits),
		slog.Int64("evicted", stats.Evicted))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
