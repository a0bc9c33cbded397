package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"aeris-agent/internal/app"
	"aeris-agent/internal/config"
	"aeris-agent/internal/logging"
)

var version = "dev"
var appName = "aeris-ingest"

func main() {
	configPath := pflag.StringP("config", "c", "", "optional YAML config file; environment variables take precedence")
	showVersion := pflag.Bool("version", false, "print version and exit")
	revokeKeys := pflag.StringArray("revoke-key", nil, "API key to mark revoked at startup (repeatable)")
	pflag.Parse()

	if *showVersion {
		fmt.Println(appName, version)
		return
	}

	cfg, err := config.LoadIngest(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	cfg.RevokedAPIKeys = append(cfg.RevokedAPIKeys, *revokeKeys...)

	logger := logging.New(cfg.LogLevel, cfg.AppEnv, version, appName)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunIngest(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutting down")
}
