package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CORS       CORSConfig       `mapstructure:"cors"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Supabase   SupabaseConfig   `mapstructure:"supabase"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Discord    DiscordConfig    `mapstructure:"discord"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Reminders  RemindersConfig  `mapstructure:"reminders"`
	Birthdays  BirthdaysConfig  `mapstructure:"birthdays"`
	History    HistoryConfig    `mapstructure:"history"`
	ManualRuns ManualRunsConfig `mapstructure:"manual_runs"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Twitch     TwitchConfig     `mapstructure:"twitch"`
	YouTube    YouTubeConfig    `mapstructure:"youtube"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// CORSConfig holds CORS policy settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitConfig holds per-IP API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds the Postgres connection used by the notification ledger.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SupabaseConfig holds Supabase project settings.
type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
}

// QueueConfig holds asynq settings.
type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxRetry    int `mapstructure:"max_retry"`
}

// DiscordConfig holds bot credentials and outbound limits.
type DiscordConfig struct {
	Token             string  `mapstructure:"token"`
	APIBase           string  `mapstructure:"api_base"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	TimeoutSec        int     `mapstructure:"timeout_sec"`
}

// SchedulerConfig holds boundary computation and chain keeper settings.
type SchedulerConfig struct {
	Timezone          string `mapstructure:"timezone"`
	MinuteFloorSec    int    `mapstructure:"minute_floor_sec"`
	DailyHour         int    `mapstructure:"daily_hour"`
	KeeperIntervalSec int    `mapstructure:"keeper_interval_sec"`
}

// RemindersConfig holds the reminder retry policy (durations as seconds for YAML/env compat).
type RemindersConfig struct {
	BackoffBaseSec    int     `mapstructure:"backoff_base_sec"`
	BackoffCapSec     int     `mapstructure:"backoff_cap_sec"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
}

// BirthdaysConfig holds the birthday retry policy.
type BirthdaysConfig struct {
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`
	RetryDelaySec    int `mapstructure:"retry_delay_sec"`
	RetryCapSec      int `mapstructure:"retry_cap_sec"`
}

// HistoryConfig holds run history retention.
type HistoryConfig struct {
	KeepPerJob int `mapstructure:"keep_per_job"`
}

// ManualRunsConfig limits operator-triggered runs.
type ManualRunsConfig struct {
	MaxPerHour int `mapstructure:"max_per_hour"`
}

// PollingConfig bounds concurrent reads against external feeds.
type PollingConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// TwitchConfig holds Helix API credentials.
type TwitchConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// YouTubeConfig holds the feed endpoint.
type YouTubeConfig struct {
	FeedBase string `mapstructure:"feed_base"`
}

// Location resolves the scheduler timezone. An empty value means the process
// local time.
func (c SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the GUILDBELL_ prefix and underscore separators.
// Example: GUILDBELL_SERVER_PORT overrides server.port in config.yaml.
func Load() (*Config, error) {
	v := viper.New()

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Load .env file if it exists
	_ = godotenv.Load()

	// Environment variable settings
	v.SetEnvPrefix("GUILDBELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional, env vars can provide everything)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Handle comma-separated API keys from env var
	if apiKeysStr := v.GetString("auth.api_keys"); apiKeysStr != "" && len(cfg.Auth.APIKeys) == 0 {
		cfg.Auth.APIKeys = strings.Split(apiKeysStr, ",")
	}
	cfg.Auth.APIKeys = cleanKeys(cfg.Auth.APIKeys)

	if _, err := cfg.Scheduler.Location(); err != nil {
		return nil, err
	}
	if h := cfg.Scheduler.DailyHour; h < 0 || h > 23 {
		return nil, fmt.Errorf("scheduler.daily_hour must be between 0 and 23, got %d", h)
	}

	return &cfg, nil
}

func cleanKeys(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("auth.api_keys", "")
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "Authorization"})
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.url", "postgres://localhost:5432/guildbell")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.service_key", "")
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.max_retry", 3)
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.api_base", "https://discord.com/api/v10")
	v.SetDefault("discord.requests_per_second", 5)
	v.SetDefault("discord.burst", 5)
	v.SetDefault("discord.timeout_sec", 10)
	v.SetDefault("scheduler.timezone", "")
	v.SetDefault("scheduler.minute_floor_sec", 5)
	v.SetDefault("scheduler.daily_hour", 9)
	v.SetDefault("scheduler.keeper_interval_sec", 300) // 5 minutes
	v.SetDefault("reminders.backoff_base_sec", 60)
	v.SetDefault("reminders.backoff_cap_sec", 600)
	v.SetDefault("reminders.backoff_multiplier", 2)
	v.SetDefault("reminders.max_attempts", 10)
	v.SetDefault("birthdays.retry_max_attempts", 3)
	v.SetDefault("birthdays.retry_delay_sec", 300)
	v.SetDefault("birthdays.retry_cap_sec", 3600)
	v.SetDefault("history.keep_per_job", 50)
	v.SetDefault("manual_runs.max_per_hour", 6)
	v.SetDefault("polling.concurrency", 4)
	v.SetDefault("twitch.client_id", "")
	v.SetDefault("twitch.client_secret", "")
	v.SetDefault("youtube.feed_base", "https://www.youtube.com/feeds/videos.xml")
}
