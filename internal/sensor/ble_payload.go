package sensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"aeris-agent/internal/record"
)

// Pico advertisement manufacturer data (little-endian): magic 0x01 0xD0,
// device_id uint32, reading_id uint32, temperature float32, pressure
// float32, humidity float32. 22 bytes.
const (
	blePayloadMagic0 = 0x01
	blePayloadMagic1 = 0xD0
	blePayloadLen    = 22

	// BLECompanyID is the manufacturer id the Pico advertises under.
	BLECompanyID = 0xFFFF
)

// BLEPrefix is the manufacturer data prefix of Pico sensor payloads.
var BLEPrefix = []byte{blePayloadMagic0, blePayloadMagic1}

// BLEReading is a decoded Pico advertisement.
type BLEReading struct {
	DeviceID  uint32
	ReadingID uint32
	record.Values
}

// ParseBLEPayload decodes manufacturer data from a Pico advertisement.
func ParseBLEPayload(data []byte) (BLEReading, error) {
	if len(data) < blePayloadLen {
		return BLEReading{}, fmt.Errorf("payload too short: %d", len(data))
	}
	if data[0] != blePayloadMagic0 || data[1] != blePayloadMagic1 {
		return BLEReading{}, fmt.Errorf("invalid magic: %02X %02X", data[0], data[1])
	}
	f32 := func(b []byte) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return BLEReading{
		DeviceID:  binary.LittleEndian.Uint32(data[2:6]),
		ReadingID: binary.LittleEndian.Uint32(data[6:10]),
		Values: record.Values{
			Temperature: f32(data[10:14]),
			Pressure:    f32(data[14:18]),
			Humidity:    f32(data[18:22]),
		},
	}, nil
}

// EncodeBLEPayload is the inverse of ParseBLEPayload.
func EncodeBLEPayload(r BLEReading) []byte {
	out := make([]byte, blePayloadLen)
	out[0] = blePayloadMagic0
	out[1] = blePayloadMagic1
	binary.LittleEndian.PutUint32(out[2:6], r.DeviceID)
	binary.LittleEndian.PutUint32(out[6:10], r.ReadingID)
	binary.LittleEndian.PutUint32(out[10:14], math.Float32bits(float32(r.Temperature)))
	binary.LittleEndian.PutUint32(out[14:18], math.Float32bits(float32(r.Pressure)))
	binary.LittleEndian.PutUint32(out[18:22], math.Float32bits(float32(r.Humidity)))
	return out
}
