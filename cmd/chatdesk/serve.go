package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/chatdesk/chatdesk/internal/automation"
	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/channel/adapters/email"
	"github.com/chatdesk/chatdesk/internal/channel/adapters/meta"
	"github.com/chatdesk/chatdesk/internal/channel/adapters/sms"
	"github.com/chatdesk/chatdesk/internal/channel/adapters/telegram"
	"github.com/chatdesk/chatdesk/internal/chat"
	"github.com/chatdesk/chatdesk/internal/config"
	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/db"
	"github.com/chatdesk/chatdesk/internal/handlers"
	"github.com/chatdesk/chatdesk/internal/healthcheck"
	channelchecker "github.com/chatdesk/chatdesk/internal/healthcheck/checkers/channel"
	dependencychecker "github.com/chatdesk/chatdesk/internal/healthcheck/checkers/dependency"
	"github.com/chatdesk/chatdesk/internal/ingest"
	"github.com/chatdesk/chatdesk/internal/logger"
	"github.com/chatdesk/chatdesk/internal/ratelimit"
	"github.com/chatdesk/chatdesk/internal/realtime"
	"github.com/chatdesk/chatdesk/internal/reply"
	"github.com/chatdesk/chatdesk/internal/server"
	"github.com/chatdesk/chatdesk/internal/storage/memory"
	"github.com/chatdesk/chatdesk/internal/storage/postgres"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideRedisClient,
			provideStore,
			provideQueue,
			provideHub,
			provideChannelRegistry,
			providePipeline,
			provideChatProvider,
			provideGateway,
			provideRateLimitStore,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(handlers.NewMessagesHandler),
			provideServerHandler(handlers.NewAIHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideAnchorHandler),
			provideServerHandler(provideRealtimeHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServer,
		),
		fx.Invoke(
			startAutomation,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return cfg, errors.New("auth.jwt_secret is required")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideRedisClient returns nil when redis is not configured.
func provideRedisClient(lc fx.Lifecycle, cfg config.Config) redis.UniversalClient {
	if !cfg.Redis.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (conversation.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		log.Warn("using in-memory storage; data is lost on restart")
		return memory.New(), nil
	case config.StorageDriverPostgres, "":
		pool, err := db.Open(context.Background(), cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				pool.Close()
				return nil
			},
		})
		return postgres.New(log, pool), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func provideQueue(log *slog.Logger, cfg config.Config, client redis.UniversalClient) (automation.Runner, error) {
	acfg := cfg.Automation
	timeout := time.Duration(acfg.JobTimeoutSeconds) * time.Second
	switch acfg.Queue {
	case config.QueueDriverRedis:
		if client == nil {
			return nil, errors.New("automation.queue is redis but redis.addr is empty")
		}
		return automation.NewRedisQueue(log, client, automation.RedisQueueOptions{
			Stream:        acfg.Stream,
			Group:         acfg.Group,
			Workers:       acfg.Workers,
			JobTimeout:    timeout,
			MaxDeliveries: acfg.MaxDeliveries,
			ClaimInterval: time.Duration(acfg.ClaimIntervalSeconds) * time.Second,
			ClaimMinIdle:  time.Duration(acfg.ClaimMinIdleSeconds) * time.Second,
		}), nil
	case config.QueueDriverMemory, "":
		return automation.NewMemoryQueue(log, acfg.Workers, acfg.BufferSize, timeout), nil
	default:
		return nil, fmt.Errorf("unknown automation queue %q", acfg.Queue)
	}
}

func provideHub(log *slog.Logger) *realtime.Hub {
	return realtime.NewHub(log, realtime.DefaultSendBuffer)
}

// provideChannelRegistry registers every adapter whose credentials are set.
func provideChannelRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	registry := channel.NewRegistry()
	if cfg.Meta.AppSecret != "" {
		if cfg.Meta.WhatsAppPhoneNumberID != "" {
			registry.MustRegister(meta.NewWhatsApp(log, cfg.Meta))
		}
		if cfg.Meta.PageAccessToken != "" {
			registry.MustRegister(meta.NewFacebook(log, cfg.Meta))
		}
		if cfg.Meta.PageAccessToken != "" || cfg.Meta.InstagramPageAccessToken != "" {
			registry.MustRegister(meta.NewInstagram(log, cfg.Meta))
		}
	}
	if cfg.Telegram.BotToken != "" {
		registry.MustRegister(telegram.NewTelegramAdapter(log, cfg.Telegram))
	}
	if cfg.Twilio.AccountSID != "" {
		registry.MustRegister(sms.New(log, cfg.Twilio, cfg.Server.PublicURL))
	}
	if cfg.Mailgun.WebhookSigningKey != "" || cfg.Mailgun.APIKey != "" || cfg.SMTP.Host != "" {
		registry.MustRegister(email.New(log, cfg.Mailgun, cfg.SMTP))
	}
	types := make([]string, 0)
	for _, ct := range registry.Types() {
		types = append(types, ct.String())
	}
	log.Info("channels registered", slog.Any("channels", types))
	return registry
}

func providePipeline(log *slog.Logger, store conversation.Store, hub *realtime.Hub, queue automation.Runner, registry *channel.Registry, provider chat.Provider) *ingest.Pipeline {
	pipeline := ingest.NewPipeline(log, store, hub, queue)
	pipeline.SetOutbound(channel.NewDispatcher(log, registry))
	pipeline.SetAutoReply(provider != nil)
	return pipeline
}

// provideChatProvider returns nil without an API key; automated replies are
// then disabled while manual workflows keep working.
func provideChatProvider(log *slog.Logger, cfg config.Config) (chat.Provider, error) {
	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		log.Warn("openai.api_key is empty; automated replies are disabled")
		return nil, nil
	}
	return chat.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, time.Duration(cfg.OpenAI.TimeoutSeconds)*time.Second)
}

func provideGateway(log *slog.Logger, cfg config.Config, store conversation.Store, provider chat.Provider, hub *realtime.Hub) *reply.Gateway {
	pricing := reply.NewPricing(reply.Price{
		InputPerMillion:  cfg.OpenAI.InputPricePerMillion,
		OutputPerMillion: cfg.OpenAI.OutputPricePerMillion,
	}, nil)
	gateway := reply.NewGateway(log, store, provider, pricing, reply.OptionsFromConfig(cfg.OpenAI))
	gateway.SetNotifier(hub)
	return gateway
}

func provideRateLimitStore(log *slog.Logger, cfg config.Config, client redis.UniversalClient) middleware.RateLimiterStore {
	return ratelimit.NewStore(log, cfg.Anchor, client)
}

func providePingHandler(log *slog.Logger, store conversation.Store, client redis.UniversalClient, registry *channel.Registry) *handlers.PingHandler {
	checkers := []healthcheck.Checker{
		dependencychecker.NewChecker(log, "database", store.Ping),
		channelchecker.NewChecker(log, registry),
	}
	if client != nil {
		checkers = append(checkers, dependencychecker.NewChecker(log, "redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	return handlers.NewPingHandler(log, checkers...)
}

func provideAuthHandler(cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(cfg.Auth.JWTSecret, cfg.Auth.ExpiresIn())
}

func provideWebhookHandler(log *slog.Logger, registry *channel.Registry, pipeline *ingest.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, pipeline)
}

func provideAnchorHandler(log *slog.Logger, pipeline *ingest.Pipeline, store middleware.RateLimiterStore) *handlers.AnchorHandler {
	return handlers.NewAnchorHandler(log, pipeline, ratelimit.Middleware(store))
}

func provideRealtimeHandler(log *slog.Logger, hub *realtime.Hub, cfg config.Config) *handlers.RealtimeHandler {
	return handlers.NewRealtimeHandler(log, hub, cfg.Auth.JWTSecret)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startAutomation(lc fx.Lifecycle, log *slog.Logger, queue automation.Runner, gateway *reply.Gateway, pipeline *ingest.Pipeline, provider chat.Provider) {
	if provider == nil {
		log.Info("automation worker not started", slog.String("reason", "no chat provider"))
		return
	}
	worker := automation.NewWorker(log, gateway, pipeline, pipeline)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// workers outlive the start hook context
			return queue.Start(context.Background(), worker.Handle)
		},
		OnStop: func(ctx context.Context) error {
			return queue.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config, registry *channel.Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting chatdesk", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			go registry.RegisterWebhooks(context.Background(), logger, cfg.Server.PublicURL)
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
