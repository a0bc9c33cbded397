package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"aeris-agent/internal/backend/store"
)

const (
	maxBodyBytes = 64 << 10

	defaultHistoryLimit = 500
	maxHistoryLimit     = 5000
)

// latestAliases maps stored sensor types to the keys of the /latest
// response. Unlisted types are reported under their own name.
var latestAliases = map[string]string{
	"temperature_c": "temperature",
	"humidity":      "humidity",
	"pressure_hpa":  "pressure",
}

type deviceIn struct {
	DeviceID string  `json:"device_id"`
	Name     string  `json:"name"`
	Location *string `json:"location"`
}

type readingIn struct {
	DeviceID   string   `json:"device_id"`
	SensorType string   `json:"sensor_type"`
	MeasuredAt string   `json:"measured_at"`
	Value      *float64 `json:"value"`
}

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.Ping(r.Context()); err != nil {
		a.logger.Error("failed to check database connectivity", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var in deviceIn
	if !decodeBody(w, r, &in) {
		return
	}
	if err := validateDevice(in); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var location *string
	if in.Location != nil && *in.Location != "" {
		location = in.Location
	}
	created, err := a.repo.UpsertDevice(r.Context(), in.DeviceID, in.Name, location)
	if err != nil {
		a.logger.Error("register device failed", "device_id", in.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	body := map[string]any{"ok": true, "device_id": in.DeviceID}
	if created {
		body["created"] = true
	} else {
		body["updated"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) handleCreateReading(w http.ResponseWriter, r *http.Request) {
	var in readingIn
	if !decodeBody(w, r, &in) {
		return
	}
	measuredAt, err := validateReading(in)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	stored, err := a.repo.InsertReading(r.Context(), store.NewReading{
		DeviceID:       in.DeviceID,
		SensorType:     in.SensorType,
		MeasuredAt:     measuredAt,
		Value:          *in.Value,
		APIKey:         apiKeyFrom(r.Context()),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("X-Idempotency-Key")),
	})
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "reading already stored")
		return
	}
	if err != nil {
		a.logger.Error("insert reading failed",
			"device_id", in.DeviceID,
			"sensor_type", in.SensorType,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (a *api) handleLatest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rows, err := a.repo.LatestPerSensor(r.Context(), id)
	if err != nil {
		a.logger.Error("latest readings failed", "device_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no readings found for this device")
		return
	}

	out := make(map[string]any, len(rows)+1)
	var newest string
	for _, row := range rows {
		key, ok := latestAliases[row.SensorType]
		if !ok {
			key = row.SensorType
		}
		out[key] = row.Value
		if row.MeasuredAt > newest {
			newest = row.MeasuredAt
		}
	}
	out["measured_at"] = newest
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rows, err := a.repo.History(r.Context(), q)
	if err != nil {
		a.logger.Error("history failed", "device_id", q.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// decodeBody writes a 422 and returns false when the body is not a JSON
// object of the expected shape.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func validateDevice(in deviceIn) error {
	if err := checkLen("device_id", in.DeviceID, 1, 64); err != nil {
		return err
	}
	if err := checkLen("name", in.Name, 1, 128); err != nil {
		return err
	}
	if in.Location != nil {
		if err := checkLen("location", *in.Location, 0, 255); err != nil {
			return err
		}
	}
	return nil
}

func validateReading(in readingIn) (time.Time, error) {
	if err := checkLen("device_id", in.DeviceID, 1, 64); err != nil {
		return time.Time{}, err
	}
	if err := checkLen("sensor_type", in.SensorType, 1, 32); err != nil {
		return time.Time{}, err
	}
	measuredAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(in.MeasuredAt))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid measured_at %q: want RFC 3339", in.MeasuredAt)
	}
	if in.Value == nil {
		return time.Time{}, errors.New("value is required")
	}
	if math.IsNaN(*in.Value) || math.IsInf(*in.Value, 0) {
		return time.Time{}, errors.New("value must be finite")
	}
	return measuredAt, nil
}

func checkLen(field, s string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(s)
	if n < minLen || n > maxLen {
		return fmt.Errorf("%s must be %d-%d characters, got %d", field, minLen, maxLen, n)
	}
	return nil
}

func parseHistoryQuery(r *http.Request) (store.HistoryQuery, error) {
	values := r.URL.Query()
	q := store.HistoryQuery{
		DeviceID:   r.PathValue("id"),
		SensorType: strings.TrimSpace(values.Get("sensor_type")),
		Limit:      defaultHistoryLimit,
	}

	var err error
	if q.Since, err = parseTimeParam(values.Get("since")); err != nil {
		return store.HistoryQuery{}, fmt.Errorf("invalid since: %w", err)
	}
	if q.Until, err = parseTimeParam(values.Get("until")); err != nil {
		return store.HistoryQuery{}, fmt.Errorf("invalid until: %w", err)
	}

	// minutes is a window ending now, used only without since and until.
	if raw := strings.TrimSpace(values.Get("minutes")); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 1 {
			return store.HistoryQuery{}, fmt.Errorf("invalid minutes %q: want a positive integer", raw)
		}
		if q.Since.IsZero() && q.Until.IsZero() {
			q.Since = time.Now().Add(-time.Duration(minutes) * time.Minute)
		}
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return store.HistoryQuery{}, fmt.Errorf("invalid limit %q: %w", raw, err)
		}
		q.Limit = limit
	}
	q.Limit = max(1, min(q.Limit, maxHistoryLimit))
	return q, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
