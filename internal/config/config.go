package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path              string `yaml:"path"`
	ActivityRetention int    `yaml:"activity_retention"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// TargetsConfig describes how connections to managed Postgres projects are built.
// Ports come from each project row; the host is shared.
type TargetsConfig struct {
	Host             string        `yaml:"host"`
	User             string        `yaml:"user"`
	Database         string        `yaml:"database"`
	SSLMode          string        `yaml:"sslmode"`
	Schemas          []string      `yaml:"schemas"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

type SchedulerConfig struct {
	Warmup   time.Duration `yaml:"warmup"`
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

type NotificationsConfig struct {
	APIURL        string        `yaml:"api_url"`
	DashboardURL  string        `yaml:"dashboard_url"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

type SecretsConfig struct {
	KeyEnv string `yaml:"key_env"`
}

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Targets       TargetsConfig       `yaml:"targets"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Reports       ReportsConfig       `yaml:"reports"`
	Secrets       SecretsConfig       `yaml:"secrets"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path:              "rlsguard.db",
			ActivityRetention: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Targets: TargetsConfig{
			Host:             "127.0.0.1",
			User:             "postgres",
			Database:         "postgres",
			SSLMode:          "disable",
			Schemas:          []string{"public"},
			StatementTimeout: 30 * time.Second,
			ConnectTimeout:   10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Warmup:   10 * time.Second,
			Interval: 60 * time.Second,
			Window:   time.Minute,
		},
		Notifications: NotificationsConfig{
			APIURL:        "https://api.resend.com/emails",
			DashboardURL:  "http://localhost:3000",
			RatePerSecond: 2,
			Timeout:       15 * time.Second,
		},
		Reports: ReportsConfig{
			Dir: "reports",
		},
		Secrets: SecretsConfig{
			KeyEnv: "RLSGUARD_ENCRYPTION_KEY",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Targets.Schemas) == 0 {
		return fmt.Errorf("targets.schemas must list at least one schema")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.Window <= 0 || c.Scheduler.Window > time.Minute {
		return fmt.Errorf("scheduler.window must be between 0 and 1m")
	}
	if c.Database.ActivityRetention <= 0 {
		return fmt.Errorf("database.activity_retention must be positive")
	}
	return nil
}

// LogLevel maps the configured level name onto a slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EncryptionKey reads the credential key from the configured environment variable.
func (c *Config) EncryptionKey() string {
	return os.Getenv(c.Secrets.KeyEnv)
}
