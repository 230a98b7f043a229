// Package config loads and validates the relay configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all settings for the relay, consumed once at startup.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	Server   ServerConfig   `mapstructure:"server"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
}

// ServerConfig configures the HTTP status API.
type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerHost  string `mapstructure:"broker_host"`
	BrokerPort  int    `mapstructure:"broker_port"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// MonitorConfig configures heartbeat liveness monitoring.
type MonitorConfig struct {
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`
	HeartbeatCheckInterval  int `mapstructure:"heartbeat_check_interval"`
}

// TelegramConfig configures the Telegram notification channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// WebhookConfig configures the generic webhook notification channel.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// SentryConfig configures error reporting.
type SentryConfig struct {
	DSN              string  `mapstructure:"dsn"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

// Load reads configuration from config.yaml (optional) and environment
// variables, applies defaults, and validates required settings.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enabled", true)

	v.SetDefault("mqtt.broker_host", "localhost")
	v.SetDefault("mqtt.broker_port", 1883)
	v.SetDefault("mqtt.topic_prefix", "polyspike/")
	v.SetDefault("mqtt.client_id", "polyspike_relay")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	v.SetDefault("monitor.heartbeat_timeout_seconds", 90)
	v.SetDefault("monitor.heartbeat_check_interval", 30)

	// Env-only keys still need defaults so viper exposes them to Unmarshal.
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.url", "")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.traces_sample_rate", 0.0)
}

// Validate reports missing required settings. Configuration errors are
// fatal: the relay refuses to start without a usable notification channel.
func (c *Config) Validate() error {
	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("mqtt.broker_host is required")
	}
	if c.MQTT.BrokerPort <= 0 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("mqtt.broker_port %d is out of range", c.MQTT.BrokerPort)
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when webhook is enabled")
	}
	if !c.Telegram.Enabled && !c.Webhook.Enabled {
		return fmt.Errorf("at least one notification channel must be enabled")
	}
	if c.Monitor.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("monitor.heartbeat_timeout_seconds must be positive")
	}
	if c.Monitor.HeartbeatCheckInterval <= 0 {
		return fmt.Errorf("monitor.heartbeat_check_interval must be positive")
	}
	return nil
}
