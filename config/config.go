package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Booking  BookingConfig  `yaml:"booking"`
	Payments PaymentsConfig `yaml:"payments"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Address    string `yaml:"address"`
	BasePath   string `yaml:"base_path"`
	SwaggerDir string `yaml:"swagger_dir"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TasksDB  int    `yaml:"tasks_db"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	BookingEventsTopic string   `yaml:"booking_events_topic"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	GroupID            string   `yaml:"group_id"`
	NotifyAttempts     int      `yaml:"notify_attempts"`
}

type BookingConfig struct {
	HoldTTLMinutes   int `yaml:"hold_ttl_minutes"`
	ListingsCacheTTL int `yaml:"listings_cache_ttl_seconds"`
	CASRetries       int `yaml:"cas_retries"`
}

func (b BookingConfig) HoldTTL() time.Duration {
	return time.Duration(b.HoldTTLMinutes) * time.Minute
}

type PaymentsConfig struct {
	StripeSecretKey        string  `yaml:"stripe_secret_key"`
	StripeWebhookSecret    string  `yaml:"stripe_webhook_secret"`
	ProviderTimeoutSeconds int     `yaml:"provider_timeout_seconds"`
	MaxAttempts            int     `yaml:"max_attempts"`
	RetryBaseMillis        int     `yaml:"retry_base_ms"`
	RetryMaxMillis         int     `yaml:"retry_max_ms"`
	RequestsPerSecond      float64 `yaml:"requests_per_second"`
}

func (p PaymentsConfig) ProviderTimeout() time.Duration {
	return time.Duration(p.ProviderTimeoutSeconds) * time.Second
}

type WorkerConfig struct {
	ExpirationSweepSeconds int `yaml:"expiration_sweep_seconds"`
	SweepBatchSize         int `yaml:"sweep_batch_size"`
	ReconcileAfterMinutes  int `yaml:"reconcile_after_minutes"`
	Concurrency            int `yaml:"concurrency"`
}

type LogConfig struct {
	Env   string `yaml:"env"`
	Level string `yaml:"level"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and secret overrides from the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.HTTP.BasePath == "" {
		c.HTTP.BasePath = "/api/v1"
	}
	if c.GRPC.Address == "" {
		c.GRPC.Address = ":9090"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Booking.HoldTTLMinutes == 0 {
		c.Booking.HoldTTLMinutes = 15
	}
	if c.Booking.ListingsCacheTTL == 0 {
		c.Booking.ListingsCacheTTL = 60
	}
	if c.Booking.CASRetries == 0 {
		c.Booking.CASRetries = 3
	}
	if c.Payments.ProviderTimeoutSeconds == 0 {
		c.Payments.ProviderTimeoutSeconds = 10
	}
	if c.Payments.MaxAttempts == 0 {
		c.Payments.MaxAttempts = 4
	}
	if c.Payments.RetryBaseMillis == 0 {
		c.Payments.RetryBaseMillis = 200
	}
	if c.Payments.RetryMaxMillis == 0 {
		c.Payments.RetryMaxMillis = 5000
	}
	if c.Payments.RequestsPerSecond == 0 {
		c.Payments.RequestsPerSecond = 25
	}
	if c.Kafka.NotifyAttempts == 0 {
		c.Kafka.NotifyAttempts = 3
	}
	if c.Worker.ExpirationSweepSeconds == 0 {
		c.Worker.ExpirationSweepSeconds = 30
	}
	if c.Worker.SweepBatchSize == 0 {
		c.Worker.SweepBatchSize = 100
	}
	if c.Worker.ReconcileAfterMinutes == 0 {
		c.Worker.ReconcileAfterMinutes = 5
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 10
	}
	if c.Log.Env == "" {
		c.Log.Env = "production"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		c.Payments.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Payments.StripeWebhookSecret = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

func (c *Config) validate() error {
	if c.Booking.HoldTTLMinutes < 0 {
		return fmt.Errorf("booking.hold_ttl_minutes must be positive")
	}
	if c.Payments.MaxAttempts < 1 {
		return fmt.Errorf("payments.max_attempts must be at least 1")
	}
	return nil
}
