// Package record defines the unit the delivery pipeline buffers and sends:
// one (sensor kind, value, timestamp) reading with bounded, copy-cheap
// string fields.
package record

import (
	"fmt"
	"math"
)

const (
	// KindSize is the byte bound of a sensor kind. The backend column is
	// 32 characters wide.
	KindSize = 32
	// TimestampSize is the byte bound of measured_at. The wire format uses
	// 24 bytes.
	TimestampSize = 32
)

// Sensor kinds of one measurement triple, in the order they are buffered
// and sent.
const (
	KindTemperature = "temperature_c"
	KindHumidity    = "humidity"
	KindPressure    = "pressure_hpa"
)

// Record is one buffered measurement. Strings are held in fixed arrays so a
// Record is a flat value with no heap references; values that do not fit
// are truncated silently. A Record has no setters and is never changed
// after New returns.
type Record struct {
	kind       [KindSize]byte
	kindLen    uint8
	measuredAt [TimestampSize]byte
	atLen      uint8
	value      float64
}

// New builds a Record. kind and measuredAt are truncated to KindSize and
// TimestampSize bytes.
func New(kind string, value float64, measuredAt string) Record {
	var r Record
	r.kindLen = uint8(copy(r.kind[:], kind))
	r.atLen = uint8(copy(r.measuredAt[:], measuredAt))
	r.value = value
	return r
}

// Kind returns the sensor kind.
func (r Record) Kind() string { return string(r.kind[:r.kindLen]) }

// Value returns the reading.
func (r Record) Value() float64 { return r.value }

// MeasuredAt returns the formatted timestamp.
func (r Record) MeasuredAt() string { return string(r.measuredAt[:r.atLen]) }

// IsZero reports whether r is the zero Record.
func (r Record) IsZero() bool { return r == Record{} }

// Same reports whether r and o hold the same kind, timestamp and value
// bits. Unlike ==, a NaN reading is the same as itself.
func (r Record) Same(o Record) bool {
	return r.kind == o.kind && r.kindLen == o.kindLen &&
		r.measuredAt == o.measuredAt && r.atLen == o.atLen &&
		math.Float64bits(r.value) == math.Float64bits(o.value)
}

func (r Record) String() string {
	return fmt.Sprintf("%s=%g@%s", r.Kind(), r.Value(), r.MeasuredAt())
}

// Values is one raw sample from the sensor collaborator.
type Values struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
}

// Triple is the three readings of one sampling event, sharing one
// timestamp.
type Triple struct {
	MeasuredAt string
	Values
}

// NewTriple stamps v with measuredAt.
func NewTriple(measuredAt string, v Values) Triple {
	return Triple{MeasuredAt: measuredAt, Values: v}
}

// Records returns the triple as three records in fixed order:
// temperature, humidity, pressure.
func (t Triple) Records() [3]Record {
	return [3]Record{
		New(KindTemperature, t.Temperature, t.MeasuredAt),
		New(KindHumidity, t.Humidity, t.MeasuredAt),
		New(KindPressure, t.Pressure, t.MeasuredAt),
	}
}
