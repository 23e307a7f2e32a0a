package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"comm-server/internal/auth"
	"comm-server/internal/config"
	"comm-server/internal/db"
	"comm-server/internal/delivery"
	"comm-server/internal/directory"
	grpcserver "comm-server/internal/grpc"
	"comm-server/internal/handlers"
	"comm-server/internal/logging"
	"comm-server/internal/messagelog"
	"comm-server/internal/middleware"
	"comm-server/internal/observability"
	"comm-server/internal/presence"
	"comm-server/internal/rabbitmq"
	"comm-server/internal/repositories"
	"comm-server/internal/session"
	"comm-server/internal/telemetry"
	"comm-server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(true)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.IsDevelopment()).With().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, logging.Component(logger, "tracing"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("failed to open storage")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logging.Component(logger, "rabbitmq"))
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit_logs.groups", cfg.ServiceName, cfg.Env, logging.Component(logger, "audit"))

	dir, err := directory.NewCached(store.directory, cfg.DirectoryCacheTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build directory cache")
	}

	log := messagelog.New(store.messages, dir, cfg.MaxContentLength, logging.Component(logger, "messagelog"))
	registry := session.NewRegistry(cfg.SessionTimeout, logging.Component(logger, "sessions"))
	tracker := presence.NewTracker(registry, cfg.AwayThreshold, logging.Component(logger, "presence"))
	router := delivery.NewRouter(delivery.Config{
		MaxAttempts:     cfg.PushMaxAttempts,
		AckTimeout:      cfg.AckTimeout,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		DeliverToSender: cfg.DeliverToSender,
	}, dir, registry, log, store.backlog, store.receipts, logging.Component(logger, "delivery"))

	log.OnCommit(router.Enqueue)
	registry.Subscribe(tracker.HandleSessionEvent)
	registry.Subscribe(router.HandleSessionEvent)

	if n, err := router.Replay(ctx, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("startup replay incomplete")
	} else if n > 0 {
		logger.Info().Int("replayed", n).Msg("unrouted messages replayed")
	}

	go registry.RunSweeper(ctx, cfg.SweepInterval)
	go router.RunReplay(ctx, cfg.ReplayInterval, cfg.ReplayGrace)
	go tracker.Run(ctx, cfg.PresenceInterval)
	go router.RunPresence(ctx, tracker.Subscribe(ctx))

	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret))
	authMiddleware := middleware.AuthMiddleware(validator)

	userHandler := handlers.NewUserHandler(dir, tracker)
	groupHandler := handlers.NewGroupHandler(dir, audit)
	messageHandler := handlers.NewMessageHandler(log, router)
	sessionHandler := handlers.NewSessionHandler(registry, router, dir, handlers.SessionOptions{})
	wsHandler := ws.NewHandler(registry, router, log, dir, logging.Component(logger, "ws"))

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(observability.RequestIDMiddleware())
	engine.Use(observability.HTTPMetricsMiddleware())

	engine.GET("/healthz", func(c *gin.Context) {
		if err := store.check(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/users", userHandler.CreateUser)
	engine.GET("/users/:user_id", authMiddleware, userHandler.GetUser)
	engine.PATCH("/users/me", authMiddleware, userHandler.UpdateMe)
	engine.GET("/users/:user_id/presence", authMiddleware, userHandler.GetPresence)

	engine.POST("/groups", authMiddleware, groupHandler.CreateGroup)
	engine.GET("/groups", authMiddleware, groupHandler.ListGroups)
	engine.DELETE("/groups/:group_id", authMiddleware, groupHandler.DeleteGroup)
	engine.GET("/groups/:group_id/members", authMiddleware, groupHandler.GetMembers)
	engine.POST("/groups/:group_id/members", authMiddleware, groupHandler.AddMember)
	engine.DELETE("/groups/:group_id/members/:user_id", authMiddleware, groupHandler.RemoveMember)

	engine.POST("/messages", authMiddleware, messageHandler.PostMessage)
	engine.GET("/messages/:message_id/receipts", authMiddleware, messageHandler.ListReceipts)
	engine.GET("/conversations/:conversation_id/messages", authMiddleware, messageHandler.ListConversation)
	engine.POST("/conversations/:conversation_id/typing", authMiddleware, messageHandler.Typing)

	engine.POST("/sessions", authMiddleware, sessionHandler.CreateSession)
	engine.GET("/sessions/:session_id/poll", authMiddleware, sessionHandler.Poll)
	engine.POST("/sessions/:session_id/ack", authMiddleware, sessionHandler.Ack)
	engine.POST("/sessions/:session_id/heartbeat", authMiddleware, sessionHandler.Heartbeat)
	engine.DELETE("/sessions/:session_id", authMiddleware, sessionHandler.CloseSession)

	engine.GET("/ws", authMiddleware, wsHandler.Handle)

	handlers.RegisterDebugRoutes(engine, handlers.DebugDeps{Sessions: registry, Pending: router, Log: log, Audit: audit}, cfg.DebugRoutes)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	grpcSrv := grpcserver.NewServer(logging.Component(logger, "grpc"))
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for grpc")
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server error")
			stop()
		}
	}()
	go grpcSrv.Watch(ctx, 15*time.Second, store.check)

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	grpcSrv.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	registry.DisconnectAll(session.ReasonShutdown)
	router.Close()
	dir.Close()
	store.close()
	if err := publisher.Close(); err != nil {
		logger.Warn().Err(err).Msg("rabbitmq close")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown")
	}
}

// storage bundles the repositories of one driver.
type storage struct {
	directory repositories.DirectoryRepository
	messages  repositories.MessageRepository
	backlog   repositories.BacklogRepository
	receipts  repositories.ReceiptRepository
	check     func(ctx context.Context) error
	close     func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.DriverBadger:
		bdb, err := db.OpenBadger(cfg.BadgerPath, logging.Component(logger, "badger"))
		if err != nil {
			return nil, err
		}
		dirRepo, err := repositories.NewBadgerDirectoryRepo(bdb)
		if err != nil {
			_ = bdb.Close()
			return nil, err
		}
		return &storage{
			directory: dirRepo,
			messages:  repositories.NewBadgerMessageRepo(bdb),
			backlog:   repositories.NewBadgerBacklog(bdb),
			receipts:  repositories.NewBadgerReceiptRepo(bdb),
			check:     badgerCheck(bdb),
			close: func() {
				dirRepo.Close()
				_ = bdb.Close()
			},
		}, nil

	default:
		sqlDB, err := db.Connect(ctx, cfg.DatabaseDSN, logging.Component(logger, "db"))
		if err != nil {
			return nil, err
		}
		s := &storage{
			directory: repositories.NewDirectoryRepo(sqlDB),
			messages:  repositories.NewMessageRepo(sqlDB),
			receipts:  repositories.NewReceiptRepo(sqlDB),
		}
		closers := []func(){func() { _ = sqlDB.Close() }}

		if cfg.RedisURL != "" {
			backlog, err := repositories.NewRedisBacklog(ctx, cfg.RedisURL)
			if err != nil {
				_ = sqlDB.Close()
				return nil, err
			}
			s.backlog = backlog
			closers = append(closers, func() { _ = backlog.Close() })
		} else {
			// development without Redis keeps the backlog on local disk
			logger.Warn().Str("path", cfg.BadgerPath).Msg("REDIS_URL not set, backlog stored in badger")
			bdb, err := db.OpenBadger(cfg.BadgerPath, logging.Component(logger, "badger"))
			if err != nil {
				_ = sqlDB.Close()
				return nil, err
			}
			s.backlog = repositories.NewBadgerBacklog(bdb)
			closers = append(closers, func() { _ = bdb.Close() })
		}

		s.check = sqlDB.PingContext
		s.close = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
		return s, nil
	}
}

func badgerCheck(bdb *badger.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if bdb.IsClosed() {
			return errors.New("badger closed")
		}
		return nil
	}
}
