package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aeris-agent/internal/backend/migrate"
	"aeris-agent/internal/backend/store"
	"aeris-agent/internal/record"
	"aeris-agent/internal/transport"
)

const testKey = "test-key"

func newTestServer(t *testing.T) (*httptest.Server, store.Repository) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := migrate.Run(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := store.NewRepository(db)
	if err := repo.SeedAPIKey(context.Background(), testKey, "tests"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(":0", NewMux(repo, logger), logger)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, repo
}

func do(t *testing.T, ts *httptest.Server, method, path, key string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func reading(device, kind, at string, v float64) map[string]any {
	return map[string]any{"device_id": device, "sensor_type": kind, "measured_at": at, "value": v}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil || got["status"] != "ok" {
		t.Fatalf("body=%s", body)
	}
}

func TestAuth(t *testing.T) {
	ts, repo := newTestServer(t)
	if err := repo.SeedAPIKey(context.Background(), "old", "tests"); err != nil {
		t.Fatal(err)
	}
	if err := repo.RevokeAPIKey(context.Background(), "old"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer  ", want: http.StatusUnauthorized},
		{name: "unknown", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "revoked", header: "Bearer old", want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + testKey, want: http.StatusNotFound},
		{name: "scheme case-insensitive", header: "bearer " + testKey, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, ts, http.MethodGet, "/v1/devices/pico-1/latest", "", nil, "Authorization", tt.header)
			if resp.StatusCode != tt.want {
				t.Fatalf("status=%d want=%d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") != "Bearer" {
				t.Errorf("WWW-Authenticate=%q", resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRegisterDevice(t *testing.T) {
	ts, repo := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/v1/devices", testKey, map[string]any{"device_id": "pico-1", "name": "Kitchen"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var got map[string]any
	_ = json.Unmarshal(body, &got)
	if got["ok"] != true || got["created"] != true || got["device_id"] != "pico-1" {
		t.Fatalf("first body=%s", body)
	}

	resp, body = do(t, ts, http.MethodPost, "/v1/devices", testKey, map[string]any{"device_id": "pico-1", "name": "Kitchen", "location": "hall"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	got = nil
	_ = json.Unmarshal(body, &got)
	if got["updated"] != true {
		t.Fatalf("second body=%s", body)
	}
	d, err := repo.GetDevice(context.Background(), "pico-1")
	if err != nil || d.Location == nil || *d.Location != "hall" {
		t.Fatalf("device=%+v err=%v", d, err)
	}
}

func TestRegisterDevice_Invalid(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "not json", body: "{"},
		{name: "empty id", body: map[string]any{"device_id": "", "name": "x"}},
		{name: "long id", body: map[string]any{"device_id": strings.Repeat("d", 65), "name": "x"}},
		{name: "empty name", body: map[string]any{"device_id": "d"}},
		{name: "long location", body: map[string]any{"device_id": "d", "name": "x", "location": strings.Repeat("l", 256)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, ts, http.MethodPost, "/v1/devices", testKey, tt.body)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status=%d body=%s", resp.StatusCode, body)
			}
		})
	}
}

func TestCreateReading(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/v1/readings", testKey,
		reading("pico-1", "humidity", "2025-09-16T02:00:00.123+02:00", 40.5),
		"X-Idempotency-Key", "k-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var got store.Reading
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == 0 || got.MeasuredAt != "2025-09-16T00:00:00.123Z" || got.Value != 40.5 {
		t.Errorf("reading=%+v", got)
	}
	if got.IdempotencyKey == nil || *got.IdempotencyKey != "k-1" {
		t.Errorf("idempotency key=%v", got.IdempotencyKey)
	}

	// Same instant in another zone is the same conflict key.
	resp, body = do(t, ts, http.MethodPost, "/v1/readings", testKey,
		reading("pico-1", "humidity", "2025-09-16T00:00:00.123Z", 41))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status=%d body=%s", resp.StatusCode, body)
	}
}

func TestCreateReading_Invalid(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "not json", body: "nope"},
		{name: "missing value", body: map[string]any{"device_id": "d", "sensor_type": "humidity", "measured_at": "2025-09-16T00:00:00Z"}},
		{name: "bad time", body: reading("d", "humidity", "yesterday", 1)},
		{name: "no zone", body: reading("d", "humidity", "2025-09-16T00:00:00", 1)},
		{name: "long sensor type", body: reading("d", strings.Repeat("s", 33), "2025-09-16T00:00:00Z", 1)},
		{name: "empty device", body: reading("", "humidity", "2025-09-16T00:00:00Z", 1)},
		{name: "value not a number", body: `{"device_id":"d","sensor_type":"h","measured_at":"2025-09-16T00:00:00Z","value":"NaN"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, ts, http.MethodPost, "/v1/readings", testKey, tt.body)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status=%d body=%s", resp.StatusCode, body)
			}
		})
	}
}

func TestLatest(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, r := range []map[string]any{
		reading("pico-1", "temperature_c", "2025-09-16T00:00:00.000Z", 20),
		reading("pico-1", "temperature_c", "2025-09-16T00:01:00.000Z", 21.5),
		reading("pico-1", "humidity", "2025-09-16T00:01:00.000Z", 45),
		reading("pico-1", "pressure_hpa", "2025-09-16T00:02:00.000Z", 1013.25),
	} {
		if resp, body := do(t, ts, http.MethodPost, "/v1/readings", testKey, r); resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed status=%d body=%s", resp.StatusCode, body)
		}
	}

	resp, body := do(t, ts, http.MethodGet, "/v1/devices/pico-1/latest", testKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{
		"temperature": 21.5,
		"humidity":    45.0,
		"pressure":    1013.25,
		"measured_at": "2025-09-16T00:02:00.000Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s=%v want %v", k, got[k], v)
		}
	}

	resp, _ = do(t, ts, http.MethodGet, "/v1/devices/other/latest", testKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device status=%d", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, at := range []string{"2025-09-16T00:00:00Z", "2025-09-16T00:01:00Z", "2025-09-16T00:02:00Z"} {
		for _, kind := range []string{"temperature_c", "humidity"} {
			if resp, body := do(t, ts, http.MethodPost, "/v1/readings", testKey, reading("pico-1", kind, at, 1)); resp.StatusCode != http.StatusCreated {
				t.Fatalf("seed status=%d body=%s", resp.StatusCode, body)
			}
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLen    int
	}{
		{name: "default", query: "", wantStatus: http.StatusOK, wantLen: 6},
		{name: "sensor type", query: "?sensor_type=humidity", wantStatus: http.StatusOK, wantLen: 3},
		{name: "since", query: "?since=2025-09-16T00:01:00Z", wantStatus: http.StatusOK, wantLen: 4},
		{name: "until", query: "?until=2025-09-16T00:00:30Z", wantStatus: http.StatusOK, wantLen: 2},
		{name: "limit", query: "?limit=1", wantStatus: http.StatusOK, wantLen: 1},
		{name: "limit clamped up", query: "?limit=0", wantStatus: http.StatusOK, wantLen: 1},
		{name: "limit clamped down", query: "?limit=99999", wantStatus: http.StatusOK, wantLen: 6},
		{name: "bad limit", query: "?limit=abc", wantStatus: http.StatusUnprocessableEntity},
		{name: "bad since", query: "?since=yesterday", wantStatus: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, ts, http.MethodGet, "/v1/devices/pico-1/history"+tt.query, testKey, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status=%d want=%d body=%s", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got []store.Reading
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("len=%d want=%d", len(got), tt.wantLen)
			}
			for i := 1; i < len(got); i++ {
				if got[i-1].MeasuredAt < got[i].MeasuredAt {
					t.Fatalf("not newest first: %v", got)
				}
			}
		})
	}
}

func TestHistory_MinutesWindow(t *testing.T) {
	ts, _ := newTestServer(t)

	now := time.Now().UTC()
	for _, at := range []time.Time{now.Add(-90 * time.Minute), now.Add(-5 * time.Minute)} {
		r := reading("pico-1", "humidity", at.Format(time.RFC3339Nano), 40)
		if resp, body := do(t, ts, http.MethodPost, "/v1/readings", testKey, r); resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed status=%d body=%s", resp.StatusCode, body)
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLen    int
	}{
		{name: "last 30 minutes", query: "?minutes=30", wantStatus: http.StatusOK, wantLen: 1},
		{name: "last 2 hours", query: "?minutes=120", wantStatus: http.StatusOK, wantLen: 2},
		{name: "since wins over minutes", query: "?minutes=30&since=" + now.Add(-2*time.Hour).Format(time.RFC3339), wantStatus: http.StatusOK, wantLen: 2},
		{name: "zero", query: "?minutes=0", wantStatus: http.StatusUnprocessableEntity},
		{name: "not a number", query: "?minutes=soon", wantStatus: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, ts, http.MethodGet, "/v1/devices/pico-1/history"+tt.query, testKey, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status=%d want=%d body=%s", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got []store.Reading
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("len=%d want=%d", len(got), tt.wantLen)
			}
		})
	}
}

func TestCreateReading_AirQuality(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/v1/readings", testKey,
		reading("pico-1", "pm25_ugm3", "2025-09-16T00:00:00Z", 40))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["aqi"] != 112.0 || got["aqi_category"] != "Unhealthy for Sensitive Groups" || got["alert_flag"] != 1.0 {
		t.Errorf("body=%s", body)
	}

	resp, body = do(t, ts, http.MethodPost, "/v1/readings", testKey,
		reading("pico-1", "temperature_c", "2025-09-16T00:00:00Z", 21.5))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	got = nil
	_ = json.Unmarshal(body, &got)
	if got["aqi"] != nil || got["aqi_category"] != "Unknown" || got["alert_flag"] != 0.0 {
		t.Errorf("body=%s", body)
	}

	resp, body = do(t, ts, http.MethodGet, "/v1/devices/pico-1/history?sensor_type=pm25_ugm3", testKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status=%d body=%s", resp.StatusCode, body)
	}
	var rows []store.Reading
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) != 1 {
		t.Fatalf("history=%s err=%v", body, err)
	}
	if rows[0].AQI == nil || *rows[0].AQI != 112 || rows[0].AQICategory != "Unhealthy for Sensitive Groups" || rows[0].AlertFlag != store.AlertWarn {
		t.Errorf("history row=%+v", rows[0])
	}
}

// The agent's HTTP adapter and this server agree on the wire format and on
// how a resend is classified.
func TestHTTPAdapterAgainstServer(t *testing.T) {
	ts, repo := newTestServer(t)

	adapter, err := transport.NewHTTPAdapter(transport.HTTPOptions{
		BaseURL: ts.URL,
		APIKey:  testKey,
		Client:  ts.Client(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}

	ctx := context.Background()
	if err := adapter.Register(ctx, transport.Device{DeviceID: "pico-1", Name: "Kitchen"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec := record.New(record.KindPressure, 1013.25, "2025-09-16T00:00:00.123Z")
	if got := adapter.Deliver(ctx, "pico-1", rec); got != transport.Delivered {
		t.Fatalf("first Deliver = %v, want delivered", got)
	}
	if got := adapter.Deliver(ctx, "pico-1", rec); got != transport.AlreadyExists {
		t.Fatalf("resend Deliver = %v, want already_exists", got)
	}

	rows, err := repo.History(ctx, store.HistoryQuery{DeviceID: "pico-1", Limit: 10})
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows=%v err=%v", rows, err)
	}
	if rows[0].IdempotencyKey == nil || *rows[0].IdempotencyKey != transport.IdempotencyKey("pico-1", rec) {
		t.Errorf("idempotency key=%v", rows[0].IdempotencyKey)
	}
	d, err := repo.GetDevice(ctx, "pico-1")
	if err != nil || d.LastSeenAt == nil || *d.LastSeenAt != "2025-09-16T00:00:00.123Z" {
		t.Errorf("device=%+v err=%v", d, err)
	}

	bad, err := transport.NewHTTPAdapter(transport.HTTPOptions{BaseURL: ts.URL, APIKey: "wrong", Client: ts.Client()})
	if err != nil {
		t.Fatal(err)
	}
	if got := bad.Deliver(ctx, "pico-1", rec); got != transport.ClientError {
		t.Fatalf("unauthorized Deliver = %v, want client_error", got)
	}
}
