package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStoreConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	Capacity   int    `yaml:"capacity"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
	TTLSeconds      int    `yaml:"ttl_seconds"`
}

type YamlAPNSConfig struct {
	KeyID     string `yaml:"key_id"`
	TeamID    string `yaml:"team_id"`
	BundleID  string `yaml:"bundle_id"`
	P8KeyPath string `yaml:"p8_key_path"`
	Sandbox   bool   `yaml:"sandbox"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string          `yaml:"project_id"`
	ListenAddr             string          `yaml:"listen_addr"`
	DeviceURN              string          `yaml:"device_urn"`
	OwnerURN               string          `yaml:"owner_urn"`
	Platform               string          `yaml:"platform"`
	NotificationsEnabled   bool            `yaml:"notifications_enabled"`
	EventBuffer            int             `yaml:"event_buffer"`
	IdentityServiceURL     string          `yaml:"identity_service_url"`
	TopicID                string          `yaml:"topic_id"`
	SubscriptionID         string          `yaml:"subscription_id"`
	SubscriptionDLQTopicID string          `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int             `yaml:"num_pipeline_workers"`
	StoreConfig            YamlStoreConfig `yaml:"store"`
	CorsConfig             YamlCorsConfig  `yaml:"cors"`
	RedisConfig            YamlRedisConfig `yaml:"redis"`
	VapidConfig            YamlVapidConfig `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig  `yaml:"apns"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:            baseCfg.ProjectID,
		ListenAddr:           baseCfg.ListenAddr,
		Platform:             baseCfg.Platform,
		NotificationsEnabled: baseCfg.NotificationsEnabled,
		EventBuffer:          baseCfg.EventBuffer,
		IdentityServiceURL:   baseCfg.IdentityServiceURL,
		TopicID:              baseCfg.TopicID,
		SubscriptionID:       baseCfg.SubscriptionID,
		Store: StoreConfig{
			Backend:    baseCfg.StoreConfig.Backend,
			SQLitePath: baseCfg.StoreConfig.SQLitePath,
			Capacity:   baseCfg.StoreConfig.Capacity,
		},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
			TTLSeconds:      baseCfg.VapidConfig.TTLSeconds,
		},
		APNS: APNSConfig{
			KeyID:     baseCfg.APNSConfig.KeyID,
			TeamID:    baseCfg.APNSConfig.TeamID,
			BundleID:  baseCfg.APNSConfig.BundleID,
			P8KeyPath: baseCfg.APNSConfig.P8KeyPath,
			Sandbox:   baseCfg.APNSConfig.Sandbox,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if baseCfg.DeviceURN != "" {
		deviceURN, err := urn.Parse(baseCfg.DeviceURN)
		if err != nil {
			return nil, fmt.Errorf("invalid device_urn: %w", err)
		}
		cfg.DeviceID = &deviceURN
	}
	if baseCfg.OwnerURN != "" {
		ownerURN, err := urn.Parse(baseCfg.OwnerURN)
		if err != nil {
			return nil, fmt.Errorf("invalid owner_urn: %w", err)
		}
		cfg.OwnerID = &ownerURN
	}
	if baseCfg.RedisConfig.TTL != "" {
		ttl, err := time.ParseDuration(baseCfg.RedisConfig.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis ttl: %w", err)
		}
		cfg.Redis.TTL = ttl
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"platform", cfg.Platform,
		"store", cfg.Store.Backend,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}
