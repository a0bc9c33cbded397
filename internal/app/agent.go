// Package app wires the agent and ingest processes from their
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"aeris-agent/internal/backlog"
	"aeris-agent/internal/clock"
	"aeris-agent/internal/config"
	"aeris-agent/internal/dispatch"
	"aeris-agent/internal/link"
	"aeris-agent/internal/metrics"
	"aeris-agent/internal/mqtt"
	"aeris-agent/internal/sensor"
	"aeris-agent/internal/transport"
)

// RunAgent builds the delivery pipeline described by cfg and runs it until
// ctx is cancelled.
func RunAgent(ctx context.Context, cfg config.Agent) error {
	slog.Info("config loaded",
		"deviceId", cfg.DeviceID,
		"transport", cfg.Transport,
		"apiBaseUrl", cfg.APIBaseURL,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"sensorSource", cfg.SensorSource,
		"sampleInterval", cfg.SampleInterval,
		"tickInterval", cfg.TickInterval,
		"backlogCapacity", cfg.BacklogCapacity,
		"backlogOverwrite", cfg.BacklogOverwrite,
		"backlogMemoryLimit", cfg.BacklogMemoryLimit,
		"drainBudget", cfg.DrainBudget,
		"reconnectDrainBudget", cfg.ReconnectDrainBudget,
		"metricsAddr", cfg.MetricsAddr,
	)
	logger := slog.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	sampler, closeSensor := openSensor(ctx, cfg, logger)
	defer closeSensor()

	buf, degraded := newBacklog(cfg, logger)
	m.SetDegraded(degraded)

	pipe, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipe.close()

	d, err := dispatch.New(dispatch.Options{
		DeviceID:             cfg.DeviceID,
		Backlog:              buf,
		Degraded:             degraded,
		Sampler:              sampler,
		Adapter:              pipe.adapter,
		Link:                 pipe.link,
		Clock:                clock.Real(),
		Recorder:             m,
		Logger:               logger,
		SampleInterval:       cfg.SampleInterval,
		TickInterval:         cfg.TickInterval,
		DrainBudget:          cfg.DrainBudget,
		ReconnectDrainBudget: cfg.ReconnectDrainBudget,
	})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}
	if pipe.registrar != nil {
		go registerDevice(ctx, cfg, pipe.registrar, logger)
	}
	if pipe.health != nil {
		go reportHealth(ctx, cfg, d, pipe.health, logger)
	}

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pipeline is the transport side of the agent for one TRANSPORT mode.
type pipeline struct {
	adapter   transport.Adapter
	link      dispatch.Link
	registrar transport.Registrar
	health    healthPublisher
	close     func()
}

type healthPublisher interface {
	PublishHealth(ctx context.Context, h mqtt.Health) error
}

func newPipeline(ctx context.Context, cfg config.Agent, logger *slog.Logger) (*pipeline, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		client := mqtt.NewClient(mqtt.Options{
			Broker:        cfg.MQTTBroker,
			Port:          cfg.MQTTPort,
			ClientID:      cfg.MQTTClientID,
			ReconnectWait: cfg.ReconnectWait,
			Logger:        logger,
		})

		// Short initial connect so a missing broker does not block startup;
		// the dispatcher buffers until the link comes up.
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("mqtt connection failed (buffering until reconnect)", "error", err)
		}

		return &pipeline{
			adapter: client,
			link:    client,
			health:  client,
			close:   client.Disconnect,
		}, nil

	default:
		probe, err := link.NewProbe(link.Options{
			BaseURL:       cfg.APIBaseURL,
			Interval:      cfg.ProbeInterval,
			ReconnectWait: cfg.ReconnectWait,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		adapter, err := transport.NewHTTPAdapter(transport.HTTPOptions{
			BaseURL: cfg.APIBaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.DeliveryTimeout,
			Link:    probe,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return &pipeline{
			adapter:   adapter,
			link:      probe,
			registrar: adapter,
			close:     func() {},
		}, nil
	}
}

// newBacklog allocates the backlog from the configured region. When the
// region cannot hold the configured capacity it falls back to the largest
// capacity that fits, then to no buffering at all. Any fallback reports
// degraded.
func newBacklog(cfg config.Agent, logger *slog.Logger) (*backlog.Buffer, bool) {
	region := backlog.HeapRegion
	if cfg.BacklogMemoryLimit > 0 {
		region = backlog.LimitRegion{MaxBytes: cfg.BacklogMemoryLimit}
	}
	overwrite := backlog.WithOverwrite(cfg.BacklogOverwrite)

	buf, err := backlog.New(cfg.BacklogCapacity, overwrite, backlog.WithRegion(region))
	if err == nil {
		logger.Info("backlog allocated",
			"capacity", buf.Cap(),
			"bytes", int64(buf.Cap())*backlog.RecordSize,
		)
		return buf, false
	}
	logger.Warn("backlog allocation failed", "capacity", cfg.BacklogCapacity, "error", err)

	if lr, ok := region.(backlog.LimitRegion); ok {
		if n := lr.MaxRecords(); n > 0 {
			buf, err = backlog.New(n, overwrite, backlog.WithRegion(lr))
			if err == nil {
				logger.Warn("backlog running at reduced capacity",
					"capacity", n,
					"configured", cfg.BacklogCapacity,
				)
				return buf, true
			}
			logger.Warn("reduced backlog allocation failed", "capacity", n, "error", err)
		}
	}

	logger.Error("buffering disabled: readings that cannot be delivered live will be dropped")
	return nil, true
}

// openSensor returns the configured sampler. A BME280 that cannot be opened
// yields sensor.Absent so the agent keeps draining its backlog.
func openSensor(ctx context.Context, cfg config.Agent, logger *slog.Logger) (sensor.Sampler, func()) {
	switch cfg.SensorSource {
	case config.SensorSimulated:
		logger.Info("using simulated sensor")
		return sensor.NewSimulated(time.Now().UnixNano()), func() {}

	case config.SensorBLE:
		ble := sensor.NewBLE(sensor.BLEOptions{
			Adapter:  cfg.BLEAdapter,
			DeviceID: cfg.BLEDeviceID,
			Logger:   logger,
		})
		go func() {
			if err := ble.Run(ctx); err != nil {
				logger.Warn("ble listener could not be initialized; no readings will arrive", "error", err)
			}
		}()
		return ble, func() {}

	default:
		dev, err := sensor.OpenBME280(cfg.BME280Address, logger)
		if err != nil {
			logger.Warn("bme280 unavailable", "address", fmt.Sprintf("0x%02x", cfg.BME280Address), "error", err)
			return sensor.Absent{}, func() {}
		}
		return dev, func() {
			if err := dev.Close(); err != nil {
				logger.Warn("bme280 close", "error", err)
			}
		}
	}
}

func registerDevice(ctx context.Context, cfg config.Agent, r transport.Registrar, logger *slog.Logger) {
	d := transport.Device{
		DeviceID: cfg.DeviceID,
		Name:     cfg.DeviceName,
		Location: cfg.DeviceLocation,
	}
	if err := transport.RegisterWithRetry(ctx, r, d, cfg.RegisterTimeout, logger); err != nil {
		logger.Warn("device registration failed (continuing)", "error", err)
		return
	}
	logger.Info("device registered", "device_id", d.DeviceID)
}

func reportHealth(ctx context.Context, cfg config.Agent, d *dispatch.Dispatcher, p healthPublisher, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishHealth(ctx, healthFromStats(cfg.DeviceID, d.Stats())); err != nil {
				logger.Debug("health not published", "error", err)
			}
		}
	}
}

func healthFromStats(deviceID string, s dispatch.Stats) mqtt.Health {
	return mqtt.Health{
		DeviceID:         deviceID,
		LastSeen:         time.Now().UTC(),
		Healthy:          !s.SensorAbsent && !s.Degraded,
		BacklogOccupancy: s.Occupancy,
		BacklogCapacity:  s.Capacity,
		BacklogEvictions: s.Evictions,
	}
}
