package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	Purchase      PurchaseConfig      `koanf:"purchase"`
	Health        HealthConfig        `koanf:"health"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Providers     ProvidersConfig     `koanf:"providers"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type PurchaseConfig struct {
	Currency       string        `koanf:"currency"`
	RentalWindow   time.Duration `koanf:"rental_window"`
	ReservationTTL time.Duration `koanf:"reservation_ttl"`
}

type HealthConfig struct {
	WindowSize           int           `koanf:"window_size"`
	MinSamples           int           `koanf:"min_samples"`
	FailureRateThreshold float64       `koanf:"failure_rate_threshold"`
	Cooldown             time.Duration `koanf:"cooldown"`
	ShortCooldown        time.Duration `koanf:"short_cooldown"`
	ProbeTimeout         time.Duration `koanf:"probe_timeout"`
	LogRetention         time.Duration `koanf:"log_retention"`
}

type OrchestratorConfig struct {
	TickInterval       time.Duration `koanf:"tick_interval"`
	OutboxConcurrency  int           `koanf:"outbox_concurrency"`
	PollConcurrency    int           `koanf:"poll_concurrency"`
	CleanupConcurrency int           `koanf:"cleanup_concurrency"`
	StuckMultiplier    int           `koanf:"stuck_multiplier"`
}

type NotificationsConfig struct {
	// WebhookURL receives lifecycle notifications; empty logs them instead.
	WebhookURL string        `koanf:"webhook_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

type ProvidersConfig struct {
	CallTimeout           time.Duration `koanf:"call_timeout"`
	MaxResponseBodyLog    int           `koanf:"max_response_body_log"`
	DefaultConcurrency    int           `koanf:"default_concurrency"`
	DefaultRequestsPerMin int           `koanf:"default_requests_per_min"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load defaults
	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Purchase: PurchaseConfig{
			Currency:       "USD",
			RentalWindow:   20 * time.Minute,
			ReservationTTL: 5 * time.Minute,
		},
		Health: HealthConfig{
			WindowSize:           20,
			MinSamples:           10,
			FailureRateThreshold: 0.5,
			Cooldown:             5 * time.Minute,
			ShortCooldown:        15 * time.Second,
			ProbeTimeout:         30 * time.Second,
			LogRetention:         72 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			TickInterval:       3 * time.Second,
			OutboxConcurrency:  4,
			PollConcurrency:    8,
			CleanupConcurrency: 4,
			StuckMultiplier:    2,
		},
		Providers: ProvidersConfig{
			CallTimeout:           10 * time.Second,
			MaxResponseBodyLog:    4096,
			DefaultConcurrency:    4,
			DefaultRequestsPerMin: 60,
		},
		Notifications: NotificationsConfig{
			Timeout: 10 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Load from config file if exists
	if err := k.Load(file.Provider("configs/config.yaml"), yaml.Parser()); err != nil {
		// Config file is optional, only log if it's not a "file not found" error
	}

	// Override with environment variables
	if err := k.Load(env.Provider("SMSA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "SMSA_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
