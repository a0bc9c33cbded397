// Package config loads process settings from environment variables and an
// optional YAML file. Environment variables win over the file.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"

	SensorBME280    = "bme280"
	SensorBLE       = "ble"
	SensorSimulated = "sim"
)

// Agent is the configuration of the telemetry agent.
type Agent struct {
	AppEnv   string
	LogLevel slog.Level

	DeviceID       string
	DeviceName     string
	DeviceLocation string

	Transport       string
	APIBaseURL      string
	APIKey          string
	DeliveryTimeout time.Duration
	ProbeInterval   time.Duration
	ReconnectWait   time.Duration
	RegisterTimeout time.Duration

	MQTTBroker     string
	MQTTPort       int
	MQTTClientID   string
	HealthInterval time.Duration

	SensorSource  string
	BME280Address uint16
	BLEAdapter    string
	BLEDeviceID   uint32

	SampleInterval time.Duration
	TickInterval   time.Duration

	BacklogCapacity      int
	BacklogOverwrite     bool
	BacklogMemoryLimit   int64
	DrainBudget          int
	ReconnectDrainBudget int

	MetricsAddr string
}

// LoadAgentFromEnv loads the agent configuration from the environment only.
func LoadAgentFromEnv() (Agent, error) {
	return LoadAgent("")
}

// LoadAgent loads the agent configuration. path names an optional YAML
// file providing defaults.
func LoadAgent(path string) (Agent, error) {
	src, err := newSource(path)
	if err != nil {
		return Agent{}, err
	}

	var cfg Agent
	if cfg.AppEnv, err = src.appEnv(); err != nil {
		return Agent{}, err
	}
	if cfg.LogLevel, err = src.logLevel(); err != nil {
		return Agent{}, err
	}

	cfg.DeviceID = src.get("DEVICE_ID", "aeris-01")
	if len(cfg.DeviceID) > 64 {
		return Agent{}, fmt.Errorf("DEVICE_ID must be at most 64 characters, got %d", len(cfg.DeviceID))
	}
	cfg.DeviceName = src.get("DEVICE_NAME", cfg.DeviceID)
	cfg.DeviceLocation = src.get("DEVICE_LOCATION", "")

	cfg.Transport = strings.ToLower(src.get("TRANSPORT", TransportHTTP))
	switch cfg.Transport {
	case TransportHTTP, TransportMQTT:
	default:
		return Agent{}, fmt.Errorf("invalid TRANSPORT %q (allowed: http, mqtt)", cfg.Transport)
	}

	cfg.APIBaseURL = strings.TrimRight(src.get("API_BASE_URL", "http://localhost:8080"), "/")
	cfg.APIKey = src.get("API_KEY", "")
	if cfg.Transport == TransportHTTP && cfg.APIKey == "" {
		return Agent{}, fmt.Errorf("API_KEY is required when TRANSPORT=http")
	}
	if cfg.DeliveryTimeout, err = src.duration("DELIVERY_TIMEOUT", "10s"); err != nil {
		return Agent{}, err
	}
	if cfg.ProbeInterval, err = src.duration("PROBE_INTERVAL", "5s"); err != nil {
		return Agent{}, err
	}
	if cfg.ReconnectWait, err = src.duration("RECONNECT_WAIT", "5s"); err != nil {
		return Agent{}, err
	}
	if cfg.RegisterTimeout, err = src.duration("REGISTER_TIMEOUT", "30s"); err != nil {
		return Agent{}, err
	}

	cfg.MQTTBroker = src.get("MQTT_BROKER", "localhost")
	if cfg.MQTTPort, err = src.intVal("MQTT_PORT", "1883"); err != nil {
		return Agent{}, err
	}
	if cfg.MQTTPort <= 0 || cfg.MQTTPort > 65535 {
		return Agent{}, fmt.Errorf("MQTT_PORT out of range: %d", cfg.MQTTPort)
	}
	cfg.MQTTClientID = src.get("MQTT_CLIENT_ID", "aeris-agent-"+cfg.DeviceID)
	if cfg.HealthInterval, err = src.duration("HEALTH_INTERVAL", "30s"); err != nil {
		return Agent{}, err
	}

	cfg.SensorSource = strings.ToLower(src.get("SENSOR_SOURCE", SensorBME280))
	switch cfg.SensorSource {
	case SensorBME280, SensorBLE, SensorSimulated:
	default:
		return Agent{}, fmt.Errorf("invalid SENSOR_SOURCE %q (allowed: bme280, ble, sim)", cfg.SensorSource)
	}
	addrStr := src.get("BME280_ADDRESS", "0x76")
	addr, err := strconv.ParseUint(addrStr, 0, 16)
	if err != nil {
		return Agent{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", addrStr, err)
	}
	cfg.BME280Address = uint16(addr)
	cfg.BLEAdapter = src.get("BLE_ADAPTER", "hci0")
	bleIDStr := src.get("BLE_DEVICE_ID", "0")
	bleID, err := strconv.ParseUint(bleIDStr, 0, 32)
	if err != nil {
		return Agent{}, fmt.Errorf("invalid BLE_DEVICE_ID %q: %w", bleIDStr, err)
	}
	cfg.BLEDeviceID = uint32(bleID)

	if cfg.SampleInterval, err = src.duration("SAMPLE_INTERVAL", "60s"); err != nil {
		return Agent{}, err
	}
	if cfg.TickInterval, err = src.duration("TICK_INTERVAL", "1s"); err != nil {
		return Agent{}, err
	}
	if cfg.TickInterval > cfg.SampleInterval {
		return Agent{}, fmt.Errorf("TICK_INTERVAL (%v) must not exceed SAMPLE_INTERVAL (%v)", cfg.TickInterval, cfg.SampleInterval)
	}

	if cfg.BacklogCapacity, err = src.intVal("BACKLOG_CAPACITY", "720"); err != nil {
		return Agent{}, err
	}
	if cfg.BacklogCapacity <= 0 {
		return Agent{}, fmt.Errorf("BACKLOG_CAPACITY must be positive, got %d", cfg.BacklogCapacity)
	}
	if cfg.BacklogOverwrite, err = src.boolVal("BACKLOG_OVERWRITE", "true"); err != nil {
		return Agent{}, err
	}
	limitStr := src.get("BACKLOG_MEMORY_LIMIT", "0")
	if cfg.BacklogMemoryLimit, err = strconv.ParseInt(limitStr, 10, 64); err != nil {
		return Agent{}, fmt.Errorf("invalid BACKLOG_MEMORY_LIMIT %q: %w", limitStr, err)
	}
	if cfg.BacklogMemoryLimit < 0 {
		return Agent{}, fmt.Errorf("BACKLOG_MEMORY_LIMIT must not be negative, got %d", cfg.BacklogMemoryLimit)
	}
	if cfg.DrainBudget, err = src.intVal("DRAIN_BUDGET", "12"); err != nil {
		return Agent{}, err
	}
	if cfg.ReconnectDrainBudget, err = src.intVal("RECONNECT_DRAIN_BUDGET", "60"); err != nil {
		return Agent{}, err
	}
	if cfg.DrainBudget <= 0 || cfg.ReconnectDrainBudget <= 0 {
		return Agent{}, fmt.Errorf("DRAIN_BUDGET and RECONNECT_DRAIN_BUDGET must be positive")
	}

	cfg.MetricsAddr = src.get("METRICS_ADDR", ":9100")

	return cfg, nil
}
