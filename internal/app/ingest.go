package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"aeris-agent/internal/backend/db"
	"aeris-agent/internal/backend/httpapi"
	"aeris-agent/internal/backend/migrate"
	"aeris-agent/internal/backend/store"
	"aeris-agent/internal/config"
)

// RunIngest serves the collection endpoint until ctx is cancelled.
func RunIngest(ctx context.Context, cfg config.Ingest) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqlitePath", cfg.SQLitePath,
		"sqliteMaxOpenConns", cfg.MaxOpenConns,
		"sqliteMaxIdleConns", cfg.MaxIdleConns,
		"sqliteConnMaxLifetime", cfg.ConnMaxLifetime,
		"logSQL", cfg.LogSQL,
		"apiKeys", len(cfg.APIKeys),
		"revokedApiKeys", len(cfg.RevokedAPIKeys),
	)
	logger := slog.Default()

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := db.Close(dbConn)
		if closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(ctx, dbConn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	repo := store.NewRepository(dbConn)
	if err := seedAPIKeys(ctx, repo, cfg.APIKeys); err != nil {
		return err
	}
	if err := revokeAPIKeys(ctx, repo, cfg.RevokedAPIKeys); err != nil {
		return err
	}
	if len(cfg.APIKeys) == 0 {
		slog.Warn("no API_KEYS configured; only keys already in the database are accepted")
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewMux(repo, logger), logger)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

func seedAPIKeys(ctx context.Context, repo store.Repository, keys []string) error {
	for _, key := range keys {
		if err := repo.SeedAPIKey(ctx, key, "config"); err != nil {
			return fmt.Errorf("seed api key: %w", err)
		}
	}
	return nil
}

// revokeAPIKeys marks keys revoked. Unknown keys are logged and skipped.
func revokeAPIKeys(ctx context.Context, repo store.Repository, keys []string) error {
	for _, key := range keys {
		err := repo.RevokeAPIKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("revoke api key: unknown key")
			continue
		}
		if err != nil {
			return fmt.Errorf("revoke api key: %w", err)
		}
	}
	return nil
}
