package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/api"
	"github.com/fathima-sithara/social-messaging/internal/auth"
	"github.com/fathima-sithara/social-messaging/internal/config"
	"github.com/fathima-sithara/social-messaging/internal/discovery"
	"github.com/fathima-sithara/social-messaging/internal/kafka"
	"github.com/fathima-sithara/social-messaging/internal/middleware"
	presence "github.com/fathima-sithara/social-messaging/internal/redis"
	"github.com/fathima-sithara/social-messaging/internal/repository"
	"github.com/fathima-sithara/social-messaging/internal/service"
	"github.com/fathima-sithara/social-messaging/internal/storage"
	"github.com/fathima-sithara/social-messaging/internal/utils"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.App.Dev())
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc, err := repository.NewMongoClient(ctx, cfg.Mongo.URI)
	if err != nil {
		logger.Fatal("mongo init", zap.Error(err))
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()

	store, err := repository.NewMongoStore(ctx, mc.Database(cfg.Mongo.Database), cfg.MongoTimeout)
	if err != nil {
		logger.Fatal("mongo indexes", zap.Error(err))
	}

	instance := uuid.NewString()
	hub := ws.NewHub(logger, cfg.HeartbeatTimeout)
	go hub.Run(ctx, cfg.SweepInterval)

	deps := api.Deps{Config: cfg, Hub: hub, Instance: instance, Log: logger}

	var fanout service.Fanout = ws.LocalFanout{Hub: hub}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		bridge := ws.NewRedisBridge(rdb, cfg.Redis.FanoutChannel, hub, ws.BreakerSettings{
			MaxFailures: cfg.Breaker.MaxFailures,
			Interval:    time.Duration(cfg.Breaker.IntervalSec) * time.Second,
			Timeout:     time.Duration(cfg.Breaker.TimeoutSec) * time.Second,
		}, logger)
		go func() { _ = bridge.Run(ctx) }()
		fanout = bridge
		deps.Presence = presence.NewPresenceStore(rdb, cfg.Redis.Prefix)
	}
	deps.Fanout = fanout

	var events service.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents), kafka.BreakerSettings{
			MaxFailures: cfg.Breaker.MaxFailures,
			Interval:    time.Duration(cfg.Breaker.IntervalSec) * time.Second,
			Timeout:     time.Duration(cfg.Breaker.TimeoutSec) * time.Second,
		}, logger)
		events = producer
	}

	graph := service.NewSocialGraph(store.Users, events, cfg, logger)
	convs := service.NewConversationService(store, graph, fanout, events, cfg, logger)
	msgs := service.NewMessageService(store, convs, graph, fanout, events, cfg, logger)
	deps.Graph, deps.Conversations, deps.Messages = graph, convs, msgs

	var consumer *kafka.UserConsumer
	if cfg.Kafka.Enabled {
		consumer = kafka.NewUserConsumer(kafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.TopicUserCreated, cfg.Kafka.GroupID), graph, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("user consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.S3.Enabled {
		s3s, err := storage.NewS3Store(ctx, cfg.S3.Region, cfg.S3.Bucket, cfg.S3.Endpoint, cfg.PresignTTL)
		if err != nil {
			logger.Fatal("s3 init", zap.Error(err))
		}
		deps.Media = s3s
	}

	jv, err := auth.NewJWTValidator(cfg.JWT.PublicKeyPath, cfg.JWT.Algorithm, cfg.JWT.HSSecret)
	if err != nil {
		logger.Fatal("jwt validator init", zap.Error(err))
	}
	deps.Validator = jv

	limiter := middleware.NewIPRateLimiter(cfg.RateLimitPerMin, logger)
	go limiter.Cleanup(ctx)
	deps.Limiter = limiter

	app := api.NewServer(deps)

	var reg *discovery.Registration
	if cfg.Consul.Addr != "" {
		reg, err = discovery.Register(cfg.Consul.Addr, cfg.Consul.ServiceName, cfg.Consul.ServiceHost, cfg.App.Port, logger)
		if err != nil {
			logger.Warn("consul registration failed", zap.Error(err))
		}
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("social-messaging started", zap.String("addr", cfg.App.Addr()), zap.String("instance", instance))
		errs <- app.Listen(cfg.App.Addr())
	}()

	select {
	case err := <-errs:
		logger.Error("server error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if reg != nil {
		if err := reg.Deregister(); err != nil {
			logger.Warn("consul deregister", zap.Error(err))
		}
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("fiber shutdown", zap.Error(err))
	}
	if consumer != nil {
		_ = consumer.Close()
	}
	if producer != nil {
		_ = producer.Close()
	}
	logger.Info("social-messaging stopped")
}
