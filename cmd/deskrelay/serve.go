package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/deskrelay/deskrelay/internal/bot"
	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/db"
	"github.com/deskrelay/deskrelay/internal/dialog"
	"github.com/deskrelay/deskrelay/internal/directory"
	"github.com/deskrelay/deskrelay/internal/handlers"
	"github.com/deskrelay/deskrelay/internal/ingest"
	"github.com/deskrelay/deskrelay/internal/logger"
	"github.com/deskrelay/deskrelay/internal/notify"
	"github.com/deskrelay/deskrelay/internal/server"
	"github.com/deskrelay/deskrelay/internal/transport"
	"github.com/deskrelay/deskrelay/internal/transport/telegram"
	"github.com/deskrelay/deskrelay/internal/uploads"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBPool,
			provideBotStore,
			provideTransportFactory,
			provideRegistry,
			provideBotService,
			directory.NewService,
			provideDialogStore,
			provideHub,
			providePublisher,
			provideDialogService,
			provideUploads,
			providePipeline,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideBotsHandler),
			provideServerHandler(provideDialogsHandler),
			provideServerHandler(provideEventsHandler),
			provideServer,
		),
		fx.Invoke(
			wireInbound,
			startRegistry,
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
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideBotStore(log *slog.Logger, pool *pgxpool.Pool) *bot.PGStore {
	return bot.NewPGStore(log, pool)
}

func provideTransportFactory(log *slog.Logger, cfg config.Config) transport.Factory {
	return telegram.NewFactory(log, cfg.Telegram.TimeoutSeconds)
}

func provideRegistry(log *slog.Logger, factory transport.Factory, store *bot.PGStore, cfg config.Config) *bot.Registry {
	return bot.NewRegistry(log, factory, store, cfg.Telegram.PublicURL)
}

func provideBotService(log *slog.Logger, store *bot.PGStore, registry *bot.Registry) *bot.Service {
	return bot.NewService(log, store, registry)
}

func provideDialogStore(log *slog.Logger, pool *pgxpool.Pool) dialog.Store {
	return dialog.NewPGStore(log, pool)
}

func provideHub(log *slog.Logger) *notify.Hub {
	return notify.NewHub(log)
}

// providePublisher mirrors events into AMQP when an exchange is configured;
// the in-process hub always receives them.
func providePublisher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, hub *notify.Hub) (notify.Publisher, error) {
	if cfg.Events.AMQPURL == "" {
		return hub, nil
	}
	sink, err := notify.NewAMQPSink(log, cfg.Events.AMQPURL, cfg.Events.AMQPExchange)
	if err != nil {
		return nil, fmt.Errorf("amqp sink: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return sink.Close() }})
	return notify.Fanout{hub, sink}, nil
}

func provideDialogService(log *slog.Logger, store dialog.Store, agents *directory.Service, registry *bot.Registry, publisher notify.Publisher) *dialog.Service {
	return dialog.NewService(log, store, agents, registry, publisher)
}

func provideUploads(log *slog.Logger, cfg config.Config) (*uploads.Store, error) {
	return uploads.NewStore(log, cfg.Uploads)
}

func providePipeline(log *slog.Logger, cfg config.Config, bots *bot.PGStore, dialogs dialog.Store, registry *bot.Registry, files *uploads.Store, publisher notify.Publisher) *ingest.Pipeline {
	return ingest.NewPipeline(log, cfg.Ingest, bots, dialogs, registry, files, publisher)
}

func providePingHandler() *handlers.PingHandler {
	return handlers.NewPingHandler()
}

func provideWebhookHandler(log *slog.Logger, pipeline *ingest.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, pipeline)
}

func provideBotsHandler(log *slog.Logger, service *bot.Service) *handlers.BotsHandler {
	return handlers.NewBotsHandler(log, service)
}

func provideDialogsHandler(service *dialog.Service) *handlers.DialogsHandler {
	return handlers.NewDialogsHandler(service)
}

func provideEventsHandler(log *slog.Logger, hub *notify.Hub) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, hub)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	Uploads        *uploads.Store
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(
		params.Logger,
		params.Config.Server.Addr,
		params.Config.Auth.JWTSecret,
		params.Uploads,
		params.ServerHandlers,
	)
}

// wireInbound connects bot sessions to the ingestion pipeline. The registry
// exists before the pipeline does, so the handler is attached here rather
// than at construction.
func wireInbound(registry *bot.Registry, pipeline *ingest.Pipeline) {
	registry.SetHandler(pipeline.Ingest)
}

func startRegistry(lc fx.Lifecycle, registry *bot.Registry) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { registry.Start(ctx); return nil },
		OnStop:  func(context.Context) error { cancel(); return nil },
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
