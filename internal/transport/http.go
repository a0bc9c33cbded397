package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"aeris-agent/internal/record"
)

const (
	readingsPath = "/v1/readings"
	devicesPath  = "/v1/devices"

	// DefaultTimeout bounds a single delivery when the caller does not
	// configure one.
	DefaultTimeout = 10 * time.Second
)

// readingNamespace scopes idempotency keys derived from the conflict key.
var readingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("aeris:reading"))

// ReadingPayload is the JSON body of POST /v1/readings.
type ReadingPayload struct {
	DeviceID   string  `json:"device_id"`
	SensorType string  `json:"sensor_type"`
	MeasuredAt string  `json:"measured_at"`
	Value      float64 `json:"value"`
}

// Device is the JSON body of POST /v1/devices.
type Device struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// HTTPOptions configures an HTTPAdapter.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Link is checked before each attempt. Nil means always connected.
	Link   Link
	Client *http.Client
	Logger *slog.Logger
}

// HTTPAdapter delivers records to the ingest API over HTTP.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	link    Link
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPAdapter returns an adapter posting to opts.BaseURL.
func NewHTTPAdapter(opts HTTPOptions) (*HTTPAdapter, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("transport: base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAdapter{
		baseURL: base,
		apiKey:  opts.APIKey,
		timeout: timeout,
		link:    opts.Link,
		client:  client,
		logger:  logger,
	}, nil
}

// IdempotencyKey derives the X-Idempotency-Key for a record. It is a
// function of the backend's conflict key (device, sensor kind, measured_at)
// only, so a resent record carries the same key.
func IdempotencyKey(deviceID string, r record.Record) string {
	name := deviceID + "\x00" + r.Kind() + "\x00" + r.MeasuredAt()
	return uuid.NewSHA1(readingNamespace, []byte(name)).String()
}

// Deliver implements Adapter.
func (a *HTTPAdapter) Deliver(ctx context.Context, deviceID string, r record.Record) Outcome {
	if a.link != nil && !a.link.IsConnected() {
		return Offline
	}

	body, err := json.Marshal(ReadingPayload{
		DeviceID:   deviceID,
		SensorType: r.Kind(),
		MeasuredAt: r.MeasuredAt(),
		Value:      r.Value(),
	})
	if err != nil {
		// NaN and Inf cannot be encoded; the backend would refuse them anyway.
		a.logger.Warn("encode reading", "kind", r.Kind(), "error", err)
		return ClientError
	}

	status, err := a.post(ctx, readingsPath, body, IdempotencyKey(deviceID, r))
	if err != nil {
		a.logger.Debug("deliver reading failed", "kind", r.Kind(), "measured_at", r.MeasuredAt(), "error", err)
		return Transient
	}

	outcome := Classify(status)
	if outcome == ClientError {
		a.logger.Warn("reading refused by backend",
			"status", status,
			"kind", r.Kind(),
			"measured_at", r.MeasuredAt(),
		)
	}
	return outcome
}

// Register announces the device to the backend. Conflict means it is
// already known and counts as success.
func (a *HTTPAdapter) Register(ctx context.Context, d Device) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	status, err := a.post(ctx, devicesPath, body, "")
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if outcome := Classify(status); !outcome.Succeeded() {
		return &StatusError{Op: "register device", Status: status}
	}
	return nil
}

func (a *HTTPAdapter) post(ctx context.Context, path string, body []byte, idempotencyKey string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	return resp.StatusCode, nil
}

// StatusError is returned by Register for a non-success response.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d (%s)", e.Op, e.Status, Classify(e.Status))
}

// Permanent reports whether retrying cannot help.
func (e *StatusError) Permanent() bool {
	return Classify(e.Status) == ClientError
}
