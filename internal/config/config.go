// Package config loads the application configuration from an optional YAML
// file and NEXUS_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// Load reads config from a YAML file on top of domain.DefaultConfig, then
// applies environment variable overrides. A missing file is not an error;
// an empty path skips the file entirely.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from the environment. lookup is os.LookupEnv
// outside of tests.
func applyEnv(cfg *domain.Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigError{Field: key, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("NEXUS_HOST", &cfg.Server.Host)
	str("NEXUS_RULES", &cfg.Analysis.RulesPath)
	str("NEXUS_DB_DRIVER", &cfg.Repository.Driver)
	str("NEXUS_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("NEXUS_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("NEXUS_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("NEXUS_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("NEXUS_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("NEXUS_CACHE", &cfg.Cache.Type)
	str("NEXUS_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("NEXUS_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("NEXUS_BUS", &cfg.EventBus.Type)
	str("NEXUS_NATS_URL", &cfg.EventBus.NATSUrl)
	str("NEXUS_NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("NEXUS_LOG_LEVEL", &cfg.Logging.Level)
	str("NEXUS_LOG_FORMAT", &cfg.Logging.Format)
	flag("NEXUS_ASYNC_WORKER", &cfg.Analysis.AsyncWorker)
	flag("NEXUS_TRACING", &cfg.Tracing.Enabled)

	for key, dst := range map[string]*int{
		"NEXUS_PORT":          &cfg.Server.Port,
		"NEXUS_WORKERS":       &cfg.Analysis.Workers,
		"NEXUS_POSTGRES_PORT": &cfg.Repository.PostgresPort,
		"NEXUS_REDIS_DB":      &cfg.Cache.RedisDB,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("NEXUS_CLIENTS"); ok && v != "" {
		cfg.Analysis.Clients = splitList(v)
	}
	if v, ok := lookup("NEXUS_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// Validate rejects settings no component can run with.
func Validate(cfg *domain.Config) error {
	switch {
	case cfg.Server.Port <= 0 || cfg.Server.Port > 65535:
		return &domain.ConfigError{Field: "server.port", Reason: fmt.Sprintf("out of range: %d", cfg.Server.Port)}
	case cfg.Analysis.Workers < 0:
		return &domain.ConfigError{Field: "analysis.workers", Reason: "must not be negative"}
	case cfg.Analysis.MaxTransactions < 0:
		return &domain.ConfigError{Field: "analysis.maxTransactions", Reason: "must not be negative"}
	}

	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return &domain.ConfigError{Field: "logging.format", Reason: fmt.Sprintf("unknown format %q", cfg.Logging.Format)}
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, &domain.ConfigError{Field: "logging.level", Reason: fmt.Sprintf("unknown level %q", level)}
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
