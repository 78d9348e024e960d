package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/dingstreamhq/dingstream/internal/agent"
	"github.com/dingstreamhq/dingstream/internal/config"
	"github.com/dingstreamhq/dingstream/internal/connector"
	"github.com/dingstreamhq/dingstream/internal/dingtalk"
	"github.com/dingstreamhq/dingstream/internal/event"
	"github.com/dingstreamhq/dingstream/internal/handlers"
	"github.com/dingstreamhq/dingstream/internal/logger"
	"github.com/dingstreamhq/dingstream/internal/server"
	"github.com/dingstreamhq/dingstream/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect configured accounts and run the admin API",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath, _ := cmd.Flags().GetString("config")
			runServe(cfgPath)
		},
	}
}

func runServe(cfgPath string) {
	fx.New(
		fx.Supply(configPath(cfgPath)),
		fx.Provide(
			provideConfig,
			provideLogger,
			event.NewHub,
			provideDingTalkClient,
			connector.NewDedupStore,
			connector.NewLastSeenStore,
			connector.NewRiskStore,
			provideHistory,
			provideSessionStore,
			provideAgentSelector,
			provideExtractor,
			providePipeline,
			provideManager,
			provideProactiveSender,
			provideAccounts,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAccountsHandler),
			provideServerHandler(provideEventsHandler),
			provideServer,
		),
		fx.Invoke(
			startAccounts,
			startRiskSweep,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

type configPath string

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path configPath) (config.Config, error) {
	cfg, err := config.Load(string(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDingTalkClient(log *slog.Logger) *dingtalk.Client {
	return dingtalk.NewClient(log)
}

func provideHistory(cfg config.Config) *connector.History {
	limit := config.DefaultHistoryTurns
	for _, acc := range cfg.Accounts {
		if acc.HistoryTurns > limit {
			limit = acc.HistoryTurns
		}
	}
	return connector.NewHistory(limit)
}

func provideSessionStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (session.Store, error) {
	if !cfg.Postgres.Enabled() {
		log.Info("using in-memory session store")
		return session.NewMemoryStore(), nil
	}
	store, err := session.NewPostgresStore(context.Background(), log, cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { store.Close(); return nil }})
	return store, nil
}

func provideAgentSelector(log *slog.Logger, cfg config.Config) *agent.Selector {
	runners := map[string]agent.Runner{
		"openai": agent.NewOpenAIRunner(log, cfg.Agent.OpenAIAPIKey, cfg.Agent.OpenAIBaseURL, cfg.Agent.OpenAIModel),
	}
	if cfg.Agent.GatewayBaseURL != "" {
		runners["gateway"] = agent.NewGatewayRunner(log, cfg.Agent.GatewayBaseURL, cfg.Agent.GatewayToken)
	}
	return agent.NewSelector(runners)
}

func provideExtractor(log *slog.Logger, client *dingtalk.Client) *connector.Extractor {
	return connector.NewExtractor(log, client)
}

func providePipeline(log *slog.Logger, client *dingtalk.Client, store session.Store, selector *agent.Selector, history *connector.History, hub *event.Hub, cfg config.Config) *connector.Pipeline {
	timeout := time.Duration(cfg.Agent.TimeoutMs) * time.Millisecond
	return connector.NewPipeline(log, client, store, selector, history, hub, timeout)
}

func provideManager(log *slog.Logger, client *dingtalk.Client, extractor *connector.Extractor, pipeline *connector.Pipeline, dedup *connector.DedupStore, lastSeen *connector.LastSeenStore, hub *event.Hub) *connector.Manager {
	return connector.NewManager(log, client, extractor, pipeline, dedup, lastSeen, hub)
}

func provideProactiveSender(log *slog.Logger, client *dingtalk.Client, risk *connector.RiskStore, lastSeen *connector.LastSeenStore) *connector.ProactiveSender {
	return connector.NewProactiveSender(log, client, risk, lastSeen)
}

func provideAccounts(cfg config.Config) []connector.AccountConfig {
	out := make([]connector.AccountConfig, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		out = append(out, buildAccountConfig(acc))
	}
	return out
}

func buildAccountConfig(acc config.AccountConfig) connector.AccountConfig {
	return connector.AccountConfig{
		ID:        acc.ID,
		AppKey:    acc.AppKey,
		AppSecret: acc.AppSecret,
		RobotCode: acc.RobotCode,
		Persona: connector.Persona{
			Name:         acc.Name,
			Identity:     acc.Identity,
			Values:       acc.Values,
			Relationship: acc.Relationship,
			Guidelines:   acc.Guidelines,
		},
		Access: connector.AccessPolicy{
			Private:   connector.AccessMode(acc.PrivateAccess),
			Group:     connector.AccessMode(acc.GroupAccess),
			Allowlist: acc.Allowlist,
		},
		Reconnect: connector.ReconnectPolicy{
			MaxAttempts:  acc.MaxConnectionAttempts,
			InitialDelay: time.Duration(acc.InitialReconnectDelay) * time.Millisecond,
			MaxDelay:     time.Duration(acc.MaxReconnectDelay) * time.Millisecond,
			Jitter:       acc.ReconnectJitter,
		},
		Delivery:       connector.DeliveryMode(acc.DeliveryMode),
		CardTemplateID: acc.CardTemplateID,
		OwnerIDs:       acc.OwnerIDs,
		Provider:       providerOrDefault(acc.Provider),
		HistoryTurns:   acc.HistoryTurns,
		MediaDir:       acc.MediaDir,
	}
}

func providerOrDefault(provider string) string {
	if provider == "" {
		return config.DefaultAgentProvider
	}
	return provider
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideAccountsHandler(log *slog.Logger, manager *connector.Manager, proactive *connector.ProactiveSender, accounts []connector.AccountConfig) *handlers.AccountsHandler {
	return handlers.NewAccountsHandler(log, manager, proactive, accounts)
}

func provideEventsHandler(log *slog.Logger, hub *event.Hub) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, hub)
}

type serverParams struct {
	fx.In
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(p serverParams) *server.Server {
	return server.NewServer(p.Config.Server.Addr, p.Config.Auth.JWTSecret, p.Handlers)
}

// startAccounts connects every configured account. A first-connect failure
// aborts startup.
func startAccounts(lc fx.Lifecycle, manager *connector.Manager, accounts []connector.AccountConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			for _, acc := range accounts {
				if err := manager.Start(ctx, acc); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			manager.StopAll()
			return nil
		},
	})
}

// startRiskSweep prunes expired delivery-risk flags hourly.
func startRiskSweep(lc fx.Lifecycle, logger *slog.Logger, risk *connector.RiskStore) {
	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		if removed := risk.Sweep(); removed > 0 {
			logger.Info("risk flags expired", slog.Int("removed", removed))
		}
	}); err != nil {
		logger.Warn("risk sweep schedule failed", slog.Any("error", err))
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { c.Start(); return nil },
		OnStop:  func(context.Context) error { c.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
