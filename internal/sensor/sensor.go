// Package sensor provides the measurement sources the agent samples: a
// locally attached BME280, BLE advertisements from a remote Pico, and a
// simulator for development.
package sensor

import (
	"errors"

	"aeris-agent/internal/record"
)

var (
	// ErrNotPresent means the sensor is absent. It is sticky: once returned,
	// the source never produces readings again.
	ErrNotPresent = errors.New("sensor: not present")
	// ErrNoReading means no fresh reading is available for this sampling
	// event. The next one may succeed.
	ErrNoReading = errors.New("sensor: no fresh reading")
)

// Sampler produces one temperature/humidity/pressure sample on demand.
type Sampler interface {
	Sample() (record.Values, error)
}

// Absent is the Sampler used when no sensor could be opened.
type Absent struct{}

// Sample always reports ErrNotPresent.
func (Absent) Sample() (record.Values, error) { return record.Values{}, ErrNotPresent }
