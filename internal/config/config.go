package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	HTTPAddr  string `yaml:"http_addr"`

	Cache    CacheConfig    `yaml:"cache"`
	Stream   StreamConfig   `yaml:"stream"`
	Batch    BatchConfig    `yaml:"batch"`
	Learning LearningConfig `yaml:"learning"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Database DatabaseConfig `yaml:"database"`
	Notify   NotifyConfig   `yaml:"notify"`
	Kafka    KafkaConfig    `yaml:"kafka"`

	EventBuffer  int  `yaml:"event_buffer"`
	SingleFlight bool `yaml:"single_flight"`
}

type CacheConfig struct {
	Backend         string        `yaml:"backend"` // memory | postgres
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type StreamConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"min_interval"`
}

type BatchConfig struct {
	MaxSize        int `yaml:"max_size"`
	MaxConcurrency int `yaml:"max_concurrency"`
}

type LearningConfig struct {
	MaxFeedback int `yaml:"max_feedback"`
}

type MetricsConfig struct {
	Window     time.Duration `yaml:"window"`
	WindowSize int           `yaml:"window_size"`
}

type ScoringConfig struct {
	Mode           string        `yaml:"mode"` // local | remote
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestsPerSec int           `yaml:"requests_per_sec"`
}

// DatabaseConfig holds PostgreSQL connection parameters
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type NotifyConfig struct {
	Channels         []string `yaml:"channels"` // log, kafka, telegram, websocket
	TelegramBotToken string   `yaml:"telegram_bot_token"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	UpdatesTopic string   `yaml:"updates_topic"`
	EventsTopic  string   `yaml:"events_topic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		HTTPAddr:  ":8080",
		Cache: CacheConfig{
			Backend:         "memory",
			TTL:             5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Stream: StreamConfig{
			Interval:    30 * time.Second,
			MinInterval: time.Second,
		},
		Batch: BatchConfig{
			MaxSize:        1000,
			MaxConcurrency: 10,
		},
		Learning: LearningConfig{
			MaxFeedback: 10000,
		},
		Metrics: MetricsConfig{
			Window:     5 * time.Minute,
			WindowSize: 1000,
		},
		Scoring: ScoringConfig{
			Mode:           "local",
			Timeout:        30 * time.Second,
			RequestsPerSec: 5,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			SSLMode: "disable",
		},
		Notify: NotifyConfig{
			Channels: []string{"log"},
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			UpdatesTopic: "prediction-updates",
			EventsTopic:  "prediction-events",
		},
		EventBuffer:  1024,
		SingleFlight: true,
	}
}

// Load initializes configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence. An empty path
// falls back to CONFIG_FILE and then config.yaml.
func Load(path string) (*Config, error) {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := Default()

	if path == "" {
		path = getEnvWithDefault("CONFIG_FILE", "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.LogLevel = getEnvWithDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvWithDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.HTTPAddr = getEnvWithDefault("HTTP_ADDR", cfg.HTTPAddr)

	cfg.Cache.Backend = getEnvWithDefault("CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.TTL = getEnvDurationWithDefault("CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.CleanupInterval = getEnvDurationWithDefault("CACHE_CLEANUP_INTERVAL", cfg.Cache.CleanupInterval)

	cfg.Stream.Interval = getEnvDurationWithDefault("STREAM_INTERVAL", cfg.Stream.Interval)
	cfg.Stream.MinInterval = getEnvDurationWithDefault("STREAM_MIN_INTERVAL", cfg.Stream.MinInterval)

	cfg.Batch.MaxSize = getEnvIntWithDefault("BATCH_MAX_SIZE", cfg.Batch.MaxSize)
	cfg.Batch.MaxConcurrency = getEnvIntWithDefault("BATCH_MAX_CONCURRENCY", cfg.Batch.MaxConcurrency)
	cfg.Learning.MaxFeedback = getEnvIntWithDefault("FEEDBACK_MAX_SIZE", cfg.Learning.MaxFeedback)

	cfg.Metrics.Window = getEnvDurationWithDefault("METRICS_WINDOW", cfg.Metrics.Window)
	cfg.Metrics.WindowSize = getEnvIntWithDefault("METRICS_WINDOW_SIZE", cfg.Metrics.WindowSize)

	cfg.Scoring.Mode = getEnvWithDefault("SCORER", cfg.Scoring.Mode)
	cfg.Scoring.URL = getEnvWithDefault("SCORING_URL", cfg.Scoring.URL)
	cfg.Scoring.APIKey = getEnvWithDefault("SCORING_API_KEY", cfg.Scoring.APIKey)
	cfg.Scoring.Timeout = getEnvDurationWithDefault("SCORING_TIMEOUT", cfg.Scoring.Timeout)
	cfg.Scoring.RequestsPerSec = getEnvIntWithDefault("SCORING_RPS", cfg.Scoring.RequestsPerSec)

	cfg.Database.Host = getEnvWithDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvWithDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvWithDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvWithDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnvWithDefault("DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnvWithDefault("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Notify.Channels = getEnvListWithDefault("NOTIFIERS", cfg.Notify.Channels)
	cfg.Notify.TelegramBotToken = getEnvWithDefault("TELEGRAM_BOT_TOKEN", cfg.Notify.TelegramBotToken)

	cfg.Kafka.Brokers = getEnvListWithDefault("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.UpdatesTopic = getEnvWithDefault("KAFKA_UPDATES_TOPIC", cfg.Kafka.UpdatesTopic)
	cfg.Kafka.EventsTopic = getEnvWithDefault("KAFKA_EVENTS_TOPIC", cfg.Kafka.EventsTopic)

	cfg.EventBuffer = getEnvIntWithDefault("EVENT_BUFFER", cfg.EventBuffer)
	cfg.SingleFlight = getEnvBoolWithDefault("SINGLE_FLIGHT", cfg.SingleFlight)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that sizes and durations are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Backend != "memory" && c.Cache.Backend != "postgres" {
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Scoring.Mode != "local" && c.Scoring.Mode != "remote" {
		errs = append(errs, fmt.Errorf("unknown scorer %q", c.Scoring.Mode))
	}
	if c.Scoring.Mode == "remote" && c.Scoring.URL == "" {
		errs = append(errs, errors.New("SCORING_URL is required for the remote scorer"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.Cache.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cache cleanup interval must be positive"))
	}
	if c.Stream.Interval <= 0 || c.Stream.MinInterval <= 0 {
		errs = append(errs, errors.New("stream intervals must be positive"))
	}
	if c.Batch.MaxSize <= 0 || c.Batch.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("batch limits must be positive"))
	}
	if c.Learning.MaxFeedback <= 0 {
		errs = append(errs, errors.New("feedback limit must be positive"))
	}
	if c.Metrics.Window <= 0 || c.Metrics.WindowSize <= 0 {
		errs = append(errs, errors.New("metrics window must be positive"))
	}
	for _, ch := range c.Notify.Channels {
		switch ch {
		case "log", "kafka", "telegram", "websocket":
		default:
			errs = append(errs, fmt.Errorf("unknown notifier %q", ch))
		}
	}
	return errors.Join(errs...)
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring non-integer environment value")
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring invalid duration")
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvListWithDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
