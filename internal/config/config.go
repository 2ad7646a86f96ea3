// Package config loads the service configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Memory    MemoryConfig    `yaml:"memory"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Skills    SkillsConfig    `yaml:"skills"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GatewayConfig points at the agent gateway. AuthToken, when set, is
// forwarded as the bearer credential on every round.
type GatewayConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	AuthToken string        `yaml:"auth_token"`
}

// MemoryConfig points at the memory service.
type MemoryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	BotID    string `yaml:"bot_id"`
}

type SkillsConfig struct {
	Dir string `yaml:"dir"`
}

// ScheduleConfig is one cron-driven round.
type ScheduleConfig struct {
	ID          string `yaml:"id"`
	BotID       string `yaml:"bot_id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern"`
	Command     string `yaml:"command"`
	OwnerUserID string `yaml:"owner_user_id"`
	MaxCalls    *int   `yaml:"max_calls"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, and parses the configuration file, then applies
// defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = "http://127.0.0.1:8081"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 60 * time.Second
	}
	if cfg.Memory.BaseURL == "" {
		cfg.Memory.BaseURL = "http://127.0.0.1:8082"
	}
	if cfg.Memory.Timeout == 0 {
		cfg.Memory.Timeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Channels.Telegram.Enabled {
		if c.Channels.Telegram.BotToken == "" {
			return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
		}
		if c.Channels.Telegram.BotID == "" {
			return fmt.Errorf("channels.telegram.bot_id is required when telegram is enabled")
		}
	}
	for i, s := range c.Schedules {
		if s.BotID == "" || s.Pattern == "" || s.Command == "" {
			return fmt.Errorf("schedules[%d]: bot_id, pattern, and command are required", i)
		}
	}
	return nil
}
