// Package aqi converts pollutant concentrations to the US EPA air quality
// index by linear interpolation over the breakpoint tables.
package aqi

import (
	"math"
	"strings"
)

const (
	// CategoryUnknown is reported for sensor types without a table.
	CategoryUnknown = "Unknown"
	// CategoryOutOfRange is reported for a concentration outside every
	// breakpoint of its table.
	CategoryOutOfRange = "Out of range"
)

type breakpoint struct {
	cLow, cHigh float64
	iLow, iHigh int
	category    string
}

var (
	// µg/m³
	pm25 = []breakpoint{
		{0.0, 12.0, 0, 50, "Good"},
		{12.1, 35.4, 51, 100, "Moderate"},
		{35.5, 55.4, 101, 150, "Unhealthy for Sensitive Groups"},
		{55.5, 150.4, 151, 200, "Unhealthy"},
		{150.5, 250.4, 201, 300, "Very Unhealthy"},
		{250.5, 500.4, 301, 500, "Hazardous"},
	}
	// µg/m³
	pm10 = []breakpoint{
		{0, 54, 0, 50, "Good"},
		{55, 154, 51, 100, "Moderate"},
		{155, 254, 101, 150, "Unhealthy for Sensitive Groups"},
		{255, 354, 151, 200, "Unhealthy"},
		{355, 424, 201, 300, "Very Unhealthy"},
		{425, 604, 301, 500, "Hazardous"},
	}
	// ppm, 8-hour average. Capped at 300.
	o3 = []breakpoint{
		{0.000, 0.054, 0, 50, "Good"},
		{0.055, 0.070, 51, 100, "Moderate"},
		{0.071, 0.085, 101, 150, "Unhealthy for Sensitive Groups"},
		{0.086, 0.105, 151, 200, "Unhealthy"},
		{0.106, 0.200, 201, 300, "Very Unhealthy"},
	}
	// ppm, 8-hour average.
	co = []breakpoint{
		{0.0, 4.4, 0, 50, "Good"},
		{4.5, 9.4, 51, 100, "Moderate"},
		{9.5, 12.4, 101, 150, "Unhealthy for Sensitive Groups"},
		{12.5, 15.4, 151, 200, "Unhealthy"},
		{15.5, 30.4, 201, 300, "Very Unhealthy"},
		{30.5, 50.4, 301, 500, "Hazardous"},
	}

	tables = map[string][]breakpoint{
		"pm25": pm25,
		"pm10": pm10,
		"o3":   o3,
		"co":   co,
	}

	// aliases maps device sensor labels to pollutant keys.
	aliases = map[string]string{
		"pm25_ugm3": "pm25",
		"pm10_ugm3": "pm10",
		"co_ppm":    "co",
	}
)

// Pollutant returns the pollutant key a sensor type is indexed under, e.g.
// "pm25_ugm3" -> "pm25". ok is false for sensor types without a table.
func Pollutant(sensorType string) (key string, ok bool) {
	st := strings.ToLower(strings.TrimSpace(sensorType))
	if alias, found := aliases[st]; found {
		st = alias
	}
	if _, found := tables[st]; !found {
		return "", false
	}
	return st, true
}

// Compute returns the index and category of value for sensorType. ok is
// false when the type has no table or value is outside every breakpoint;
// category then says which.
func Compute(sensorType string, value float64) (index int, category string, ok bool) {
	key, found := Pollutant(sensorType)
	if !found {
		return 0, CategoryUnknown, false
	}
	for _, bp := range tables[key] {
		if bp.cLow <= value && value <= bp.cHigh {
			return bp.interpolate(value), bp.category, true
		}
	}
	return 0, CategoryOutOfRange, false
}

// Category is the category reported alongside a stored reading: the
// breakpoint category when an index exists, CategoryUnknown otherwise.
func Category(sensorType string, value float64) string {
	if _, category, ok := Compute(sensorType, value); ok {
		return category
	}
	return CategoryUnknown
}

func (bp breakpoint) interpolate(c float64) int {
	if bp.cHigh == bp.cLow {
		return bp.iHigh
	}
	i := float64(bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + float64(bp.iLow)
	return int(math.RoundToEven(i))
}
