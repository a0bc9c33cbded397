package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Ingest is the configuration of the ingest backend.
type Ingest struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// SQLitePath is used when DSN is empty.
	SQLitePath      string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogSQL          bool

	// APIKeys are seeded as active bearer keys at startup.
	APIKeys []string
	// RevokedAPIKeys are marked revoked at startup, after seeding.
	RevokedAPIKeys []string
}

// LoadIngestFromEnv loads the ingest configuration from the environment
// only.
func LoadIngestFromEnv() (Ingest, error) {
	return LoadIngest("")
}

// LoadIngest loads the ingest configuration. path names an optional YAML
// file providing defaults.
func LoadIngest(path string) (Ingest, error) {
	src, err := newSource(path)
	if err != nil {
		return Ingest{}, err
	}

	var cfg Ingest
	if cfg.AppEnv, err = src.appEnv(); err != nil {
		return Ingest{}, err
	}
	if cfg.LogLevel, err = src.logLevel(); err != nil {
		return Ingest{}, err
	}
	cfg.HTTPAddr = src.get("HTTP_ADDR", ":8080")

	cfg.SQLitePath = src.get("SQLITE_PATH", "aeris.db")
	cfg.DSN = src.get("DB_DSN", "")
	if cfg.MaxOpenConns, err = src.intVal("DB_MAX_OPEN_CONNS", "1"); err != nil {
		return Ingest{}, err
	}
	if cfg.MaxIdleConns, err = src.intVal("DB_MAX_IDLE_CONNS", "1"); err != nil {
		return Ingest{}, err
	}
	lifetimeStr := src.get("DB_CONN_MAX_LIFETIME", "0s")
	if cfg.ConnMaxLifetime, err = time.ParseDuration(lifetimeStr); err != nil {
		return Ingest{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", lifetimeStr, err)
	}
	if cfg.LogSQL, err = src.boolVal("DB_LOG_SQL", "false"); err != nil {
		return Ingest{}, err
	}

	cfg.APIKeys = splitList(src.get("API_KEYS", ""))
	cfg.RevokedAPIKeys = splitList(src.get("REVOKED_API_KEYS", ""))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
