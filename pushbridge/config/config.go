package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Store backends.
const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
)

// Provider platforms used to pick the dispatcher.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformWeb     = "web"
	PlatformNone    = "none"
)

type StoreConfig struct {
	Backend    string `validate:"oneof=sqlite firestore"`
	SQLitePath string `validate:"required_if=Backend sqlite"`
	Capacity   int    `validate:"min=1"`
}

type RedisConfig struct {
	Enabled  bool
	Addr     string `validate:"required_if=Enabled true"`
	Password string
	DB       int
	TTL      time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	TTLSeconds      int
}

type APNSConfig struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyPath points at the .p8 file; P8KeyContent wins when both are set.
	P8KeyPath    string
	P8KeyContent string
	Sandbox      bool
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID  string
	ListenAddr string
	// DeviceID is the URN of the device this bridge serves. It scopes the
	// Firestore records.
	DeviceID *urn.URN
	// OwnerID, when set, is the only user allowed to call the API.
	OwnerID  *urn.URN
	Platform string

	Store                StoreConfig
	Redis                RedisConfig
	Vapid                VapidConfig
	APNS                 APNSConfig
	EventBuffer          int
	NotificationsEnabled bool

	CorsConfig         middleware.CorsConfig
	IdentityServiceURL string

	// Pub/Sub ingestion is optional: without a subscription only the HTTP
	// platform callbacks feed the bridge.
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	PubsubConsumerConfig   *messagepipeline.GooglePubsubConsumerConfig
}

// PipelineEnabled reports whether a Pub/Sub subscription is configured.
func (c *Config) PipelineEnabled() bool {
	return c.SubscriptionID != ""
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("DEVICE_URN"); val != "" {
		logger.Debug("Overriding config value", "key", "DEVICE_URN", "source", "env")
		deviceURN, err := urn.Parse(val)
		if err != nil {
			return nil, fmt.Errorf("invalid DEVICE_URN: %w", err)
		}
		cfg.DeviceID = &deviceURN
	}
	if val := os.Getenv("OWNER_URN"); val != "" {
		logger.Debug("Overriding config value", "key", "OWNER_URN", "source", "env")
		ownerURN, err := urn.Parse(val)
		if err != nil {
			return nil, fmt.Errorf("invalid OWNER_URN: %w", err)
		}
		cfg.OwnerID = &ownerURN
	}
	if val := os.Getenv("PUSH_PLATFORM"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_PLATFORM", "source", "env")
		cfg.Platform = strings.ToLower(val)
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "IDENTITY_SERVICE_URL", "source", "env")
		cfg.IdentityServiceURL = val
	}
	if val := os.Getenv("NOTIFICATIONS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.NotificationsEnabled = enabled
		}
	}

	// Store Overrides
	if val := os.Getenv("STORE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_BACKEND", "source", "env")
		cfg.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("SQLITE_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "SQLITE_PATH", "source", "env")
		cfg.Store.SQLitePath = val
	}
	if val := os.Getenv("LEDGER_CAPACITY"); val != "" {
		if capacity, err := strconv.Atoi(val); err == nil && capacity > 0 {
			cfg.Store.Capacity = capacity
		}
	}

	// Pipeline Overrides
	if val := os.Getenv("TOPIC_ID"); val != "" {
		cfg.TopicID = val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// VAPID Overrides
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_SUB_EMAIL", "source", "env")
		cfg.Vapid.SubscriberEmail = val
	}

	// APNs Overrides
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.APNS.P8KeyContent = val
	}
	if val := os.Getenv("APNS_P8_KEY_PATH"); val != "" {
		cfg.APNS.P8KeyPath = val
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	applyDefaults(cfg)

	// 3. Final Validation
	if cfg.DeviceID == nil {
		return nil, fmt.Errorf("device_urn is required (set via YAML or DEVICE_URN env var)")
	}
	if cfg.Store.Backend == BackendFirestore && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required for the firestore store (set via YAML or PROJECT_ID env var)")
	}
	if cfg.PipelineEnabled() && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required when subscription_id is set")
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.PubsubConsumerConfig == nil && cfg.PipelineEnabled() {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Var(cfg.Platform, "oneof=android ios web none"); err != nil {
		return fmt.Errorf("platform %q: %w", cfg.Platform, err)
	}
	if err := v.Struct(cfg.Store); err != nil {
		return err
	}
	return v.Struct(cfg.Redis)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Platform == "" {
		cfg.Platform = PlatformAndroid
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendSQLite
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "data/push/messages.db"
	}
	if cfg.Store.Capacity <= 0 {
		cfg.Store.Capacity = 20
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.IdentityServiceURL == "" {
		cfg.IdentityServiceURL = "http://localhost:3000"
	}
}
