// Package store is the ingest backend's SQLite repository.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"aeris-agent/internal/backend/aqi"
)

//go:embed sql/upsert-device.sql
var upsertDeviceSQL string

//go:embed sql/get-device.sql
var getDeviceSQL string

//go:embed sql/touch-device.sql
var touchDeviceSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-latest-per-sensor.sql
var getLatestPerSensorSQL string

//go:embed sql/get-history.sql
var getHistorySQL string

//go:embed sql/get-threshold.sql
var getThresholdSQL string

//go:embed sql/get-api-key.sql
var getAPIKeySQL string

//go:embed sql/seed-api-key.sql
var seedAPIKeySQL string

//go:embed sql/revoke-api-key.sql
var revokeAPIKeySQL string

// TimeLayout is how timestamps are stored. Fixed width UTC with
// milliseconds, so lexical order is chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrDuplicate means a reading with the same (device_id, sensor_type,
	// measured_at) is already stored.
	ErrDuplicate = errors.New("store: duplicate reading")
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Alert levels stored in readings.alert_flag.
const (
	AlertNone   = 0
	AlertWarn   = 1
	AlertDanger = 2
)

// Device is a registered station.
type Device struct {
	DeviceID   string  `json:"device_id"`
	Name       string  `json:"name"`
	Location   *string `json:"location"`
	LastSeenAt *string `json:"last_seen_at"`
	CreatedAt  string  `json:"created_at"`
}

// NewReading is a validated reading to store.
type NewReading struct {
	DeviceID       string
	SensorType     string
	MeasuredAt     time.Time
	Value          float64
	APIKey         string
	IdempotencyKey string
}

// Reading is a stored reading. AQICategory is derived from SensorType and
// Value when the row is read.
type Reading struct {
	ID             int64   `json:"id"`
	DeviceID       string  `json:"device_id"`
	SensorType     string  `json:"sensor_type"`
	MeasuredAt     string  `json:"measured_at"`
	Value          float64 `json:"value"`
	AQI            *int    `json:"aqi"`
	AQICategory    string  `json:"aqi_category"`
	AlertFlag      int     `json:"alert_flag"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	ReceivedAt     string  `json:"received_at"`
}

// HistoryQuery selects readings of one device. Zero Since, Until and an
// empty SensorType do not filter.
type HistoryQuery struct {
	DeviceID   string
	SensorType string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Repository is the ingest backend's persistence.
type Repository interface {
	UpsertDevice(ctx context.Context, deviceID, name string, location *string) (created bool, err error)
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	InsertReading(ctx context.Context, r NewReading) (Reading, error)
	LatestPerSensor(ctx context.Context, deviceID string) ([]Reading, error)
	History(ctx context.Context, q HistoryQuery) ([]Reading, error)
	APIKeyActive(ctx context.Context, key string) (bool, error)
	SeedAPIKey(ctx context.Context, key, owner string) error
	RevokeAPIKey(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type repositoryImpl struct {
	db *sql.DB
}

// NewRepository returns a Repository backed by db. The schema must be
// migrated.
func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

// FormatTime renders t the way timestamps are stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func (r *repositoryImpl) UpsertDevice(ctx context.Context, deviceID, name string, location *string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE device_id = ?`, deviceID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lookup device %q: %w", deviceID, err)
	}

	if _, err := tx.ExecContext(ctx, upsertDeviceSQL, deviceID, name, location); err != nil {
		return false, fmt.Errorf("upsert device %q: %w", deviceID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return exists == 0, nil
}

func (r *repositoryImpl) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := r.db.QueryRowContext(ctx, getDeviceSQL, deviceID).
		Scan(&d.DeviceID, &d.Name, &d.Location, &d.LastSeenAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	return d, err
}

// InsertReading stores r with its air quality index and alert level and
// moves the device's last_seen_at forward. A reading whose conflict key is
// already stored yields ErrDuplicate.
func (r *repositoryImpl) InsertReading(ctx context.Context, nr NewReading) (Reading, error) {
	measuredAt := FormatTime(nr.MeasuredAt)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Reading{}, err
	}
	defer func() { _ = tx.Rollback() }()

	out := Reading{
		DeviceID:   nr.DeviceID,
		SensorType: nr.SensorType,
		MeasuredAt: measuredAt,
		Value:      nr.Value,
	}
	var index sql.NullInt64
	if i, category, ok := aqi.Compute(nr.SensorType, nr.Value); ok {
		out.AQI = &i
		out.AQICategory = category
		index = sql.NullInt64{Int64: int64(i), Valid: true}
	} else {
		out.AQICategory = aqi.CategoryUnknown
	}

	out.AlertFlag, err = alertLevel(ctx, tx, nr.SensorType, nr.Value)
	if err != nil {
		return Reading{}, err
	}
	if nr.IdempotencyKey != "" {
		k := nr.IdempotencyKey
		out.IdempotencyKey = &k
	}

	err = tx.QueryRowContext(ctx, insertReadingSQL,
		nr.DeviceID, nr.SensorType, measuredAt, nr.Value, index, out.AlertFlag,
		nullString(nr.APIKey), nullString(nr.IdempotencyKey),
	).Scan(&out.ID, &out.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Reading{}, ErrDuplicate
		}
		return Reading{}, fmt.Errorf("insert reading: %w", err)
	}

	if _, err := tx.ExecContext(ctx, touchDeviceSQL, measuredAt, nr.DeviceID); err != nil {
		return Reading{}, fmt.Errorf("touch device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Reading{}, err
	}
	return out, nil
}

// alertLevel compares value with the thresholds of the sensor's pollutant,
// or of the raw sensor type when it has no pollutant key.
func alertLevel(ctx context.Context, tx *sql.Tx, sensorType string, value float64) (int, error) {
	key, ok := aqi.Pollutant(sensorType)
	if !ok {
		key = sensorType
	}
	var warn, danger float64
	err := tx.QueryRowContext(ctx, getThresholdSQL, key).Scan(&warn, &danger)
	if errors.Is(err, sql.ErrNoRows) {
		return AlertNone, nil
	}
	if err != nil {
		return AlertNone, fmt.Errorf("lookup threshold %q: %w", key, err)
	}
	switch {
	case value >= danger:
		return AlertDanger, nil
	case value >= warn:
		return AlertWarn, nil
	default:
		return AlertNone, nil
	}
}

func (r *repositoryImpl) LatestPerSensor(ctx context.Context, deviceID string) ([]Reading, error) {
	rows, err := r.db.QueryContext(ctx, getLatestPerSensorSQL, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest rows", "error", err)
		}
	}()
	return scanReadings(rows)
}

func (r *repositoryImpl) History(ctx context.Context, q HistoryQuery) ([]Reading, error) {
	var since, until string
	if !q.Since.IsZero() {
		since = FormatTime(q.Since)
	}
	if !q.Until.IsZero() {
		until = FormatTime(q.Until)
	}
	rows, err := r.db.QueryContext(ctx, getHistorySQL, q.DeviceID, q.SensorType, since, until, q.Limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close history rows", "error", err)
		}
	}()
	return scanReadings(rows)
}

func (r *repositoryImpl) APIKeyActive(ctx context.Context, key string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, getAPIKeySQL, key).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !revoked, nil
}

func (r *repositoryImpl) SeedAPIKey(ctx context.Context, key, owner string) error {
	_, err := r.db.ExecContext(ctx, seedAPIKeySQL, key, owner)
	return err
}

func (r *repositoryImpl) RevokeAPIKey(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, revokeAPIKeySQL, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repositoryImpl) Ping(ctx context.Context) error {
	var ok int
	return r.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok)
}

func scanReadings(rows *sql.Rows) ([]Reading, error) {
	out := []Reading{}
	for rows.Next() {
		var rec Reading
		var index sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.SensorType, &rec.MeasuredAt, &rec.Value, &index, &rec.AlertFlag, &rec.IdempotencyKey, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		if index.Valid {
			i := int(index.Int64)
			rec.AQI = &i
		}
		rec.AQICategory = aqi.Category(rec.SensorType, rec.Value)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
