package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/darkosells/gaming-marketplace-sub000/internal/api"
	"github.com/darkosells/gaming-marketplace-sub000/internal/config"
	"github.com/darkosells/gaming-marketplace-sub000/internal/feed"
	"github.com/darkosells/gaming-marketplace-sub000/internal/logging"
	"github.com/darkosells/gaming-marketplace-sub000/internal/media"
	"github.com/darkosells/gaming-marketplace-sub000/internal/notify"
	"github.com/darkosells/gaming-marketplace-sub000/internal/presence"
	"github.com/darkosells/gaming-marketplace-sub000/internal/ratelimit"
	"github.com/darkosells/gaming-marketplace-sub000/internal/repository"
	"github.com/darkosells/gaming-marketplace-sub000/internal/service"
	"github.com/darkosells/gaming-marketplace-sub000/internal/typing"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	connectCtx, connectCancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer connectCancel()

	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		logger.Fatal("mongo connect", zap.Error(err))
	}
	if err := mongoClient.Ping(connectCtx, nil); err != nil {
		logger.Fatal("mongo ping", zap.Error(err))
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(connectCtx).Err(); err != nil {
		logger.Fatal("redis ping", zap.Error(err))
	}

	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		logger.Fatal("nats connect", zap.Error(err))
	}
	defer nc.Close()

	uploader, err := media.NewS3Uploader(connectCtx, cfg.S3.Region, cfg.S3.Bucket)
	if err != nil {
		logger.Fatal("s3 init", zap.Error(err))
	}

	convRepo, err := repository.NewMongoConversationRepo(connectCtx, db.Collection("conversations"))
	if err != nil {
		logger.Fatal("conversation indexes", zap.Error(err))
	}
	msgRepo, err := repository.NewMongoMessageRepo(connectCtx, db.Collection("messages"))
	if err != nil {
		logger.Fatal("message indexes", zap.Error(err))
	}
	accessRepo := repository.NewMongoAccessLogRepo(db.Collection("delivery_access_logs"))

	limiter := ratelimit.New()
	defer limiter.Stop()

	changeFeed := feed.New(logger)
	bridge := feed.NewRedisBridge(rdb, logger)
	bridge.Attach(changeFeed)
	go bridge.Run(rootCtx, changeFeed)

	notifier := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notifier.Close()

	session := service.NewSession(service.Options{
		Conversations: convRepo,
		Messages:      msgRepo,
		Limiter:       limiter,
		Media:         media.NewProcessor(uploader, logger),
		Feed:          changeFeed,
		Notifier:      notifier,
		Log:           logger,
	})

	app := api.NewServer(api.Deps{
		Config:      cfg,
		Log:         logger,
		Session:     session,
		Feed:        changeFeed,
		Tracker:     presence.NewTracker(presence.NewRedisStore(rdb, cfg.Redis.Prefix+":presence"), logger),
		Broadcaster: typing.NewNATSBroadcaster(nc),
		AuthLimiter: ratelimit.NewAuthoritative(rdb, cfg.Redis.Prefix+":rl", logger),
		AccessLogs:  accessRepo,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		logger.Info("listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	stop, stopCancel := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stopCancel()
	<-stop.Done()

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(cfg.ShutdownGrace); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	rootCancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := mongoClient.Disconnect(closeCtx); err != nil {
		logger.Warn("mongo disconnect", zap.Error(err))
	}
	_ = rdb.Close()
}
