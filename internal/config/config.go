package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix        = "CHAT"
	defaultJWTSecret = "dev-secret-change-me"
)

type Config struct {
	Env            string           `mapstructure:"env" validate:"required,oneof=dev test prod"`
	Port           string           `mapstructure:"port"`
	LogLevel       string           `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	AllowedOrigins []string         `mapstructure:"allowed_origins" validate:"dive,url"`
	Database       DatabaseConfig   `mapstructure:"database"`
	Auth           AuthConfig       `mapstructure:"auth"`
	Messaging      MessagingConfig  `mapstructure:"messaging"`
	Moderation     ModerationConfig `mapstructure:"moderation"`
	RateLimit      RateLimitConfig  `mapstructure:"rate_limit"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret             string `mapstructure:"jwt_secret"`
	AccessTokenTTLMinutes int    `mapstructure:"access_token_ttl_minutes" validate:"gt=0"`
}

// MessagingConfig 配置实时通道与输入状态。Feed 决定变更事件来源："local" 在进程内分发，
// "postgres" 使用 LISTEN/NOTIFY，让多个服务进程共享同一事件流。
type MessagingConfig struct {
	MaxBodyLength    int           `mapstructure:"max_body_length" validate:"gt=0,lte=4000"`
	HistoryLimit     int           `mapstructure:"history_limit" validate:"gt=0,lte=200"`
	TypingTTL        time.Duration `mapstructure:"typing_ttl" validate:"gt=0"`
	TypingIdle       time.Duration `mapstructure:"typing_idle" validate:"gt=0"`
	TypingSweep      time.Duration `mapstructure:"typing_sweep" validate:"gt=0"`
	Feed             string        `mapstructure:"feed" validate:"oneof=local postgres"`
	FeedChannel      string        `mapstructure:"feed_channel" validate:"required"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer" validate:"gt=0"`
}

// ModerationConfig 配置分类器及其前面的 worker 池。Provider 为 "none" 时关闭分析，所有消息保持待分析。
type ModerationConfig struct {
	Provider        string        `mapstructure:"provider" validate:"oneof=none openai gemini"`
	BaseURL         string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey          string        `mapstructure:"api_key" validate:"required_unless=Provider none"`
	Model           string        `mapstructure:"model" validate:"required"`
	Workers         int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize       int           `mapstructure:"queue_size" validate:"gt=0"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BreakerFailures int           `mapstructure:"breaker_failures" validate:"gt=0"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`
	RetryPending    bool          `mapstructure:"retry_pending"`
	RetryInterval   time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	RetryWindow     time.Duration `mapstructure:"retry_window" validate:"gt=0"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" validate:"gt=0"`
	Burst int     `mapstructure:"burst" validate:"gt=0"`
}

var defaults = map[string]any{
	"env":             "dev",
	"port":            "8080",
	"log_level":       "info",
	"allowed_origins": []string{},

	"database.driver": "postgres",
	"database.dsn":    "host=localhost user=postgres password=postgres dbname=messenger port=5432 sslmode=disable TimeZone=UTC",

	"auth.jwt_secret":               defaultJWTSecret,
	"auth.access_token_ttl_minutes": 15,

	"messaging.max_body_length":   4000,
	"messaging.history_limit":     50,
	"messaging.typing_ttl":        4 * time.Second,
	"messaging.typing_idle":       2 * time.Second,
	"messaging.typing_sweep":      30 * time.Second,
	"messaging.feed":              "local",
	"messaging.feed_channel":      "chat_changes",
	"messaging.subscriber_buffer": 256,

	"moderation.provider":         "none",
	"moderation.base_url":         "https://openrouter.ai/api/v1",
	"moderation.api_key":          "",
	"moderation.model":            "google/gemini-2.5-flash",
	"moderation.workers":          4,
	"moderation.queue_size":       256,
	"moderation.timeout":          30 * time.Second,
	"moderation.breaker_failures": 5,
	"moderation.breaker_cooldown": time.Minute,
	"moderation.retry_pending":    false,
	"moderation.retry_interval":   5 * time.Minute,
	"moderation.retry_window":     time.Hour,

	"rate_limit.rps":   20.0,
	"rate_limit.burst": 40,
}

var validate = validator.New()

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default 返回内置默认配置，不读取文件和环境变量。
func Default() Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load 按优先级从低到高叠加：默认值、./config.yaml、.env 文件、
// CHAT_* 环境变量（CHAT_DATABASE_DSN、CHAT_MODERATION_API_KEY 等）。
func Load() (Config, error) {
	_ = godotenv.Load()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate 校验结构体约束以及与运行环境相关的规则。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("port is required")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database dsn is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.Env != "dev" && cfg.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("jwt secret must be changed when env is %q", cfg.Env)
	}
	if cfg.Messaging.TypingIdle >= cfg.Messaging.TypingTTL {
		return errors.New("messaging.typing_idle must be shorter than messaging.typing_ttl")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
