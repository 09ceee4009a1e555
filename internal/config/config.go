// Package config resolves runtime settings: defaults, then an optional YAML file, then .env,
// then the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
	"gopkg.in/yaml.v3"
)

type Database struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
}

// DSN returns URL when set, otherwise builds one from the parts.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

type Escrow struct {
	AutoReleaseAfter      time.Duration `yaml:"auto_release_after"`
	DisputeResponseWindow time.Duration `yaml:"dispute_response_window"`
	UnmatchedRetryAfter   time.Duration `yaml:"unmatched_retry_after"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	SweepBatchSize        int           `yaml:"sweep_batch_size"`
}

type Config struct {
	Port         string                     `yaml:"port"`
	Store        string                     `yaml:"store"`
	LogLevel     string                     `yaml:"log_level"`
	JWTSecret    string                     `yaml:"jwt_secret"`
	RedisAddr    string                     `yaml:"redis_addr"`
	Workers      bool                       `yaml:"workers"`
	KafkaBrokers []string                   `yaml:"kafka_brokers"`
	KafkaTopic   string                     `yaml:"kafka_topic"`
	Database     Database                   `yaml:"database"`
	Escrow       Escrow                     `yaml:"escrow"`
	Gateways     map[string]webhook.Gateway `yaml:"gateways"`
}

func Defaults() Config {
	return Config{
		Port:       "8080",
		Store:      "postgres",
		LogLevel:   "info",
		RedisAddr:  "redis:6379",
		Workers:    true,
		KafkaTopic: "escrow.events",
		Database:   Database{Host: "localhost", Port: "5432"},
		Escrow: Escrow{
			AutoReleaseAfter:      14 * 24 * time.Hour,
			DisputeResponseWindow: 7 * 24 * time.Hour,
			UnmatchedRetryAfter:   time.Minute,
			SweepInterval:         5 * time.Minute,
			SweepBatchSize:        100,
		},
		Gateways: map[string]webhook.Gateway{},
	}
}

// Load resolves the configuration. A missing file at path is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	cfg.Port = envString("PORT", cfg.Port)
	cfg.Store = envString("STORE", cfg.Store)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = envString("JWT_SECRET", cfg.JWTSecret)
	cfg.RedisAddr = redisAddr(cfg.RedisAddr)
	cfg.Workers = envBool("WORKERS", cfg.Workers)
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		cfg.KafkaBrokers = splitList(raw)
	}
	cfg.KafkaTopic = envString("KAFKA_TOPIC", cfg.KafkaTopic)

	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.User = envString("DB_USER", cfg.Database.User)
	cfg.Database.Password = envString("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Host = envString("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = envString("DB_PORT", cfg.Database.Port)
	cfg.Database.Name = envString("DB_NAME", cfg.Database.Name)

	cfg.Escrow.AutoReleaseAfter = envDuration("ESCROW_AUTO_RELEASE_AFTER", cfg.Escrow.AutoReleaseAfter)
	cfg.Escrow.DisputeResponseWindow = envDuration("DISPUTE_RESPONSE_WINDOW", cfg.Escrow.DisputeResponseWindow)
	cfg.Escrow.UnmatchedRetryAfter = envDuration("WEBHOOK_RETRY_AFTER", cfg.Escrow.UnmatchedRetryAfter)
	cfg.Escrow.SweepInterval = envDuration("SWEEP_INTERVAL", cfg.Escrow.SweepInterval)
	cfg.Escrow.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", cfg.Escrow.SweepBatchSize)

	cfg.Gateways = normalizeGateways(cfg.Gateways)
	if secret := os.Getenv("PAYSTACK_SECRET_KEY"); secret != "" {
		g := cfg.Gateways["paystack"]
		g.Name, g.Secret = "paystack", secret
		if g.Scheme == "" {
			g.Scheme = webhook.SchemePaystack
		}
		cfg.Gateways["paystack"] = g
	}
	for name, g := range cfg.Gateways {
		key := "WEBHOOK_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		g.Secret = envString(key, g.Secret)
		cfg.Gateways[name] = g
	}

	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return Config{}, fmt.Errorf("config: unknown store %q", cfg.Store)
	}
	return cfg, nil
}

// Orchestrator returns the settings injected into the orchestrator.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		DefaultAutoReleaseAfter: c.Escrow.AutoReleaseAfter,
		DisputeResponseWindow:   c.Escrow.DisputeResponseWindow,
		UnmatchedRetryAfter:     c.Escrow.UnmatchedRetryAfter,
		SweepBatchSize:          c.Escrow.SweepBatchSize,
	}
}

// Logger builds the process logger.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func normalizeGateways(in map[string]webhook.Gateway) map[string]webhook.Gateway {
	out := make(map[string]webhook.Gateway, len(in))
	for name, g := range in {
		name = strings.ToLower(strings.TrimSpace(name))
		if g.Name == "" {
			g.Name = name
		}
		out[name] = g
	}
	return out
}

// redisAddr follows REDIS_ADDR, then REDIS_HOST/REDIS_PORT, then RUN_LOCAL.
func redisAddr(fallback string) string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		return host + ":" + envString("REDIS_PORT", "6379")
	}
	if os.Getenv("RUN_LOCAL") == "true" {
		return "127.0.0.1:6379"
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envString(name, fallback string) string {
	if raw := os.Getenv(name); raw != "" {
		return raw
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			return v
		}
	}
	return fallback
}
