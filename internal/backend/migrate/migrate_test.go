package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun_AppliesEmbeddedSchemaOnce(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := Run(ctx, db); err != nil {
			t.Fatalf("Run #%d: %v", i+1, err)
		}
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("schema_migrations rows = %d, want 1", n)
	}

	for _, table := range []string{"devices", "api_keys", "readings"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestRun_ConflictKeyIsUnique(t *testing.T) {
	db := openMemory(t)
	if err := Run(context.Background(), db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	const insert = `INSERT INTO readings (device_id, sensor_type, measured_at, value) VALUES ('d', 'humidity', '2025-09-16T00:00:00.000Z', ?)`
	if _, err := db.Exec(insert, 40.0); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Exec(insert, 41.0); err == nil {
		t.Fatal("duplicate (device_id, sensor_type, measured_at) accepted")
	}
}

func TestRun_OrderAndFailure(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/0002_add.sql":    {Data: []byte(`ALTER TABLE a ADD COLUMN b TEXT;`)},
		"sql/0001_create.sql": {Data: []byte(`CREATE TABLE a (id INTEGER);`)},
		"sql/README.md":       {Data: []byte(`ignored`)},
	}
	db := openMemory(t)
	ctx := context.Background()

	if err := run(ctx, db, fsys); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO a (id, b) VALUES (1, 'x')`); err != nil {
		t.Fatalf("schema not applied in order: %v", err)
	}

	fsys["sql/0003_broken.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE;`)}
	if err := run(ctx, db, fsys); err == nil {
		t.Fatal("broken migration: error = nil")
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = '0003'`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("broken migration recorded: n=%d err=%v", n, err)
	}
}
