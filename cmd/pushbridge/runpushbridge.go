package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-bridge/internal/platform/apns"
	"github.com/tinywideclouds/go-push-bridge/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-bridge/internal/platform/web"

	"github.com/tinywideclouds/go-push-bridge/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-bridge/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/sqlite"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"

	"github.com/tinywideclouds/go-push-bridge/pushbridge"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-bridge")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Message Store (Decorated) ---
	store, closeStore, err := newMessageStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Message store failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedMessageStore(store, redisClient, cfg.Redis.TTL, cfg.DeviceID.String())
		logger.Info("MessageStore upgraded", "type", "redis_cached_"+cfg.Store.Backend)
	}

	// --- Dispatcher ---
	dispatcher, err := newDispatcher(ctx, cfg, logger)
	if err != nil {
		logger.Error("Dispatcher failed", "err", err)
		os.Exit(1)
	}

	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "url", cfg.IdentityServiceURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	var consumer messagepipeline.MessageConsumer
	if cfg.PipelineEnabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Ingestion consumer failed", "err", err)
			os.Exit(1)
		}
	}

	stack := pushbridge.NewStack(cfg, store, dispatcher, logger)
	service, err := pushbridge.New(cfg, consumer, stack, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "device", cfg.DeviceID.String(), "platform", cfg.Platform)
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newMessageStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.MessageStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("MessageStore initialized", "type", "firestore")
		store := fsStore.NewMessageStore(fsClient, *cfg.DeviceID, cfg.Store.Capacity, logger)
		return store, func() { _ = fsClient.Close() }, nil
	default:
		store, err := sqlite.NewMessageStore(cfg.Store.SQLitePath, cfg.Store.Capacity, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("MessageStore initialized", "type", "sqlite", "path", cfg.Store.SQLitePath)
		return store, func() { _ = store.Close() }, nil
	}
}

// newDispatcher builds the provider dispatcher for the configured platform.
// A nil dispatcher keeps showNotification local.
func newDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.Dispatcher, error) {
	switch cfg.Platform {
	case config.PlatformAndroid:
		if cfg.ProjectID == "" {
			logger.Warn("No project configured; FCM forwarding disabled.")
			return nil, nil
		}
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewDispatcher(fcmMessaging, logger), nil

	case config.PlatformIOS:
		keyContent := cfg.APNS.P8KeyContent
		if keyContent == "" && cfg.APNS.P8KeyPath != "" {
			raw, err := os.ReadFile(cfg.APNS.P8KeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read APNs key: %w", err)
			}
			keyContent = string(raw)
		}
		if keyContent == "" {
			logger.Warn("APNs key missing in configuration. iOS forwarding disabled.")
			return nil, nil
		}
		return apns.NewDispatcher(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: keyContent,
			Sandbox:      cfg.APNS.Sandbox,
		}, logger)

	case config.PlatformWeb:
		if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
			logger.Warn("VAPID keys missing in configuration. Web Push forwarding disabled.")
			return nil, nil
		}
		logger.Info("Web Dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
		return web.NewDispatcher(cfg.Vapid, logger), nil

	default:
		return nil, nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    10,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
