package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pulse/internal/notify"
	"pulse/internal/validate"
)

// Config holds the application's configuration values.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Retention RetentionConfig `mapstructure:"retention"`
	Security  SecurityConfig  `mapstructure:"security"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Seed      SeedConfig      `mapstructure:"seed"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

type SchedulerConfig struct {
	IntervalMs         int           `mapstructure:"interval_ms"`
	RecurrenceInterval time.Duration `mapstructure:"recurrence_interval"`
	RetentionInterval  time.Duration `mapstructure:"retention_interval"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
}

// HealthInterval is the tick period of the health-check pipeline.
func (s SchedulerConfig) HealthInterval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

type AlertConfig struct {
	FailuresBeforeAlert int `mapstructure:"failures_before_alert"`
}

type ProbeConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	AllowedFrequencies []int  `mapstructure:"allowed_frequencies"`
	MinTimeoutMs       int    `mapstructure:"min_timeout_ms"`
	MaxTimeoutMs       int    `mapstructure:"max_timeout_ms"`
	MaxBodyBytes       int64  `mapstructure:"max_body_bytes"`
	PerHostLimit       int    `mapstructure:"per_host_limit"`
}

// Rules turns the probe bounds into monitor validation rules.
func (p ProbeConfig) Rules() validate.Rules {
	return validate.Rules{
		Frequencies:  p.AllowedFrequencies,
		MinTimeoutMs: p.MinTimeoutMs,
		MaxTimeoutMs: p.MaxTimeoutMs,
	}
}

type RetentionConfig struct {
	CheckDays int `mapstructure:"check_days"`
}

type SecurityConfig struct {
	CronSecret string `mapstructure:"cron_secret"`
}

type SMTPConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Secure  bool          `mapstructure:"secure"`
	User    string        `mapstructure:"user"`
	Pass    string        `mapstructure:"pass"`
	From    string        `mapstructure:"from"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether email alerts are configured.
func (s SMTPConfig) Enabled() bool { return s.Host != "" }

// Notifier converts the section into the notifier's settings.
func (s SMTPConfig) Notifier() notify.SMTPConfig {
	return notify.SMTPConfig{
		Host:    s.Host,
		Port:    s.Port,
		Secure:  s.Secure,
		User:    s.User,
		Pass:    s.Pass,
		From:    s.From,
		Timeout: s.Timeout,
	}
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Enabled reports whether alert events are published to Redis.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SeedConfig struct {
	File string `mapstructure:"file"`
}

// envBindings maps config keys to the environment variables that may set them,
// first match wins.
var envBindings = map[string][]string{
	"server.port":                   {"SERVER_PORT", "PORT"},
	"server.mode":                   {"SERVER_MODE"},
	"database.driver":               {"DATABASE_DRIVER"},
	"database.url":                  {"DATABASE_URL", "DB_PATH"},
	"scheduler.interval_ms":         {"SCHEDULER_INTERVAL_MS"},
	"scheduler.recurrence_interval": {"RECURRENCE_INTERVAL"},
	"scheduler.retention_interval":  {"RETENTION_INTERVAL"},
	"scheduler.max_concurrency":     {"MAX_CONCURRENCY"},
	"scheduler.shutdown_grace":      {"SHUTDOWN_GRACE"},
	"alert.failures_before_alert":   {"FAILURES_BEFORE_ALERT"},
	"probe.user_agent":              {"PROBE_USER_AGENT"},
	"probe.allowed_frequencies":     {"PROBE_ALLOWED_FREQUENCIES"},
	"probe.min_timeout_ms":          {"PROBE_MIN_TIMEOUT_MS"},
	"probe.max_timeout_ms":          {"PROBE_MAX_TIMEOUT_MS"},
	"probe.max_body_bytes":          {"PROBE_MAX_BODY_BYTES"},
	"probe.per_host_limit":          {"PROBE_PER_HOST_LIMIT"},
	"retention.check_days":          {"CHECK_RETENTION_DAYS"},
	"security.cron_secret":          {"CRON_SECRET"},
	"smtp.host":                     {"SMTP_HOST"},
	"smtp.port":                     {"SMTP_PORT"},
	"smtp.secure":                   {"SMTP_SECURE"},
	"smtp.user":                     {"SMTP_USER"},
	"smtp.pass":                     {"SMTP_PASS"},
	"smtp.from":                     {"SMTP_FROM"},
	"smtp.timeout":                  {"SMTP_TIMEOUT"},
	"redis.addr":                    {"REDIS_ADDR"},
	"redis.password":                {"REDIS_PASSWORD"},
	"redis.db":                      {"REDIS_DB"},
	"redis.channel":                 {"REDIS_CHANNEL"},
	"logging.level":                 {"LOG_LEVEL"},
	"logging.format":                {"LOG_FORMAT"},
	"seed.file":                     {"SEED_FILE"},
}

// Load reads configs/pulse.yaml when present, then the environment, on top of
// the defaults.
func Load() (*Config, error) {
	return load(viper.New(), "configs")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("pulse")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "./data/pulse.db")

	v.SetDefault("scheduler.interval_ms", 15000)
	v.SetDefault("scheduler.recurrence_interval", "5m")
	v.SetDefault("scheduler.retention_interval", "24h")
	v.SetDefault("scheduler.max_concurrency", 10)
	v.SetDefault("scheduler.shutdown_grace", "30s")

	v.SetDefault("alert.failures_before_alert", 2)

	v.SetDefault("probe.user_agent", "URLMonitor/1.0")
	v.SetDefault("probe.allowed_frequencies", validate.DefaultFrequencies)
	v.SetDefault("probe.min_timeout_ms", 1000)
	v.SetDefault("probe.max_timeout_ms", 30000)
	v.SetDefault("probe.max_body_bytes", 1<<20)
	v.SetDefault("probe.per_host_limit", 0)

	v.SetDefault("retention.check_days", 30)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.from", "Pulse <alerts@localhost>")
	v.SetDefault("smtp.timeout", "30s")

	v.SetDefault("redis.channel", notify.DefaultChannel)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Server.Mode != "debug" && cfg.Server.Mode != "release" && cfg.Server.Mode != "test" {
		return fmt.Errorf("invalid server mode %s", cfg.Server.Mode)
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" {
		return errors.New("database url is required")
	}

	if cfg.Scheduler.IntervalMs <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %dms", cfg.Scheduler.IntervalMs)
	}
	if cfg.Scheduler.RecurrenceInterval <= 0 || cfg.Scheduler.RetentionInterval <= 0 {
		return errors.New("recurrence and retention intervals must be positive")
	}
	if cfg.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Alert.FailuresBeforeAlert < 1 {
		return fmt.Errorf("failures before alert must be at least 1, got %d", cfg.Alert.FailuresBeforeAlert)
	}

	if len(cfg.Probe.AllowedFrequencies) == 0 {
		return errors.New("at least one allowed frequency is required")
	}
	if cfg.Probe.MinTimeoutMs < 1 || cfg.Probe.MinTimeoutMs > cfg.Probe.MaxTimeoutMs {
		return fmt.Errorf("invalid probe timeout bounds %d..%d", cfg.Probe.MinTimeoutMs, cfg.Probe.MaxTimeoutMs)
	}
	if cfg.Retention.CheckDays < 1 {
		return fmt.Errorf("check retention must be at least 1 day, got %d", cfg.Retention.CheckDays)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %s", cfg.Logging.Format)
	}
	return nil
}
