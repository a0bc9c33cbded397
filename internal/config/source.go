package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// source resolves a setting from the environment first, then from the
// optional YAML file. File keys are the variable names in lower case.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if strings.TrimSpace(path) == "" {
		return source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		file[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return source{file: file}, nil
}

func (s source) get(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(s.file[strings.ToLower(key)]); v != "" {
		return v
	}
	return def
}

func (s source) duration(key, def string) (time.Duration, error) {
	str := s.get(key, def)
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, str, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func (s source) intVal(key, def string) (int, error) {
	str := s.get(key, def)
	n, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, str, err)
	}
	return n, nil
}

func (s source) boolVal(key, def string) (bool, error) {
	str := s.get(key, def)
	b, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, str, err)
	}
	return b, nil
}

func (s source) appEnv() (string, error) {
	appEnv := s.get("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return "", fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}
	return appEnv, nil
}

func (s source) logLevel() (slog.Level, error) {
	return parseLogLevel(s.get("LOG_LEVEL", "info"))
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
