package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	DeviceChannel DeviceChannelConfig `yaml:"device_channel"`
	Session       SessionConfig       `yaml:"session"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Push          PushConfig          `yaml:"push"`
	WorkerPool    WorkerPoolConfig    `yaml:"worker_pool"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// DeviceChannelConfig holds the Redis pub/sub transport settings.
type DeviceChannelConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	InactivityTimeoutSeconds int           `yaml:"inactivity_timeout_seconds"`
	InactivityTimeout        time.Duration `yaml:"-"` // Ignored by YAML parser
	PointsPerItem            int64         `yaml:"points_per_item"`
}

// RealtimeConfig holds the client reconnect policy defaults served to UIs.
type RealtimeConfig struct {
	BackoffBaseMillis int `yaml:"backoff_base_millis"`
	BackoffMaxMillis  int `yaml:"backoff_max_millis"`
	MaxAttempts       int `yaml:"max_attempts"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Session.InactivityTimeoutSeconds <= 0 {
		cfg.Session.InactivityTimeoutSeconds = 15 * 60
	}
	cfg.Session.InactivityTimeout = time.Duration(cfg.Session.InactivityTimeoutSeconds) * time.Second

	if cfg.Session.PointsPerItem <= 0 {
		cfg.Session.PointsPerItem = 10
	}

	if cfg.DeviceChannel.TopicPrefix == "" {
		cfg.DeviceChannel.TopicPrefix = "rvm"
	}

	if cfg.Realtime.BackoffBaseMillis <= 0 {
		cfg.Realtime.BackoffBaseMillis = 1000
	}
	if cfg.Realtime.BackoffMaxMillis <= 0 {
		cfg.Realtime.BackoffMaxMillis = 30000
	}
	if cfg.Realtime.MaxAttempts <= 0 {
		cfg.Realtime.MaxAttempts = 10
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	return &cfg, nil
}
