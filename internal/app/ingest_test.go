package app

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aeris-agent/internal/backend/store"
	"aeris-agent/internal/config"
)

func TestRunIngest_SeedsAndRevokesKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.db")
	cfg := config.Ingest{
		AppEnv:         "dev",
		HTTPAddr:       "127.0.0.1:0",
		SQLitePath:     path,
		MaxOpenConns:   1,
		MaxIdleConns:   1,
		APIKeys:        []string{"k1", "k2"},
		RevokedAPIKeys: []string{"k2", "nope"}, // nope was never seeded
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunIngest(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunIngest() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunIngest did not stop")
	}

	dbConn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbConn.Close() }()

	repo := store.NewRepository(dbConn)
	for key, want := range map[string]bool{"k1": true, "k2": false, "nope": false} {
		ok, err := repo.APIKeyActive(context.Background(), key)
		if err != nil || ok != want {
			t.Errorf("APIKeyActive(%q) = %v, %v; want %v", key, ok, err, want)
		}
	}
}

func TestRunIngest_ListenError(t *testing.T) {
	cfg := config.Ingest{
		HTTPAddr:     "256.0.0.1:bad",
		SQLitePath:   filepath.Join(t.TempDir(), "ingest.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
	if err := RunIngest(context.Background(), cfg); err == nil {
		t.Fatal("RunIngest() = nil, want listen error")
	}
}
