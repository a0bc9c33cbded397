package sensor

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"

	"aeris-agent/internal/record"
)

// BME280 reads a Bosch BME280 over I2C.
type BME280 struct {
	bus    i2c.BusCloser
	dev    *bmxx80.Dev
	logger *slog.Logger
}

// OpenBME280 initializes the host drivers, opens the default I2C bus and
// probes the sensor at addr. Any failure is reported as ErrNotPresent.
func OpenBME280(addr uint16, logger *slog.Logger) (*BME280, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: host init: %v", ErrNotPresent, err)
	}

	bus, err := i2creg.Open("") // default bus, usually /dev/i2c-1
	if err != nil {
		return nil, fmt.Errorf("%w: open i2c: %v", ErrNotPresent, err)
	}

	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("%w: bme280 at 0x%02x: %v", ErrNotPresent, addr, err)
	}

	logger.Info("bme280 opened", "address", fmt.Sprintf("0x%02x", addr), "device", dev.String())
	return &BME280{bus: bus, dev: dev, logger: logger}, nil
}

// Sample implements Sampler.
func (s *BME280) Sample() (record.Values, error) {
	var env physic.Env
	if err := s.dev.Sense(&env); err != nil {
		return record.Values{}, fmt.Errorf("bme280 sense: %w", err)
	}
	return envToValues(env), nil
}

// Close halts the sensor and releases the bus.
func (s *BME280) Close() error {
	if err := s.dev.Halt(); err != nil {
		s.logger.Warn("bme280 halt", "error", err)
	}
	return s.bus.Close()
}

func envToValues(env physic.Env) record.Values {
	return record.Values{
		Temperature: env.Temperature.Celsius(),
		// env.Humidity is fixed point in units of 0.00001 %rH.
		Humidity: float64(env.Humidity) / float64(physic.PercentRH),
		// env.Pressure is in nano pascal.
		Pressure: float64(env.Pressure) / float64(100*physic.Pascal),
	}
}
