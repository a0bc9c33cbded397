// Package mqtt publishes readings to an MQTT broker. The client doubles as
// the connectivity signal when the agent runs in MQTT mode.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"aeris-agent/internal/record"
	"aeris-agent/internal/transport"
)

const defaultPublishTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	Broker   string
	Port     int
	ClientID string
	// PublishTimeout bounds a single QoS 1 publish.
	PublishTimeout time.Duration
	// ReconnectWait bounds EnsureConnected.
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// Client wraps a paho client. Its connected flag is maintained by the
// paho callbacks, so IsConnected is cheap enough to poll every tick.
type Client struct {
	client         paho.Client
	opts           Options
	logger         *slog.Logger
	mu             sync.RWMutex
	connected      bool
	publishTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Health is the retained per-device status message.
type Health struct {
	DeviceID         string    `json:"device_id"`
	LastSeen         time.Time `json:"last_seen"`
	Healthy          bool      `json:"healthy"`
	BacklogOccupancy int       `json:"backlog_occupancy"`
	BacklogCapacity  int       `json:"backlog_capacity"`
	BacklogEvictions uint64    `json:"backlog_evictions"`
}

// ReadingsTopic is the topic a device's readings are published to.
func ReadingsTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/readings", deviceID)
}

// HealthTopic is the retained health topic of a device.
func HealthTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/health", deviceID)
}

// NewClient builds a client for opts. It does not connect.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		opts:           opts,
		logger:         logger,
		publishTimeout: opts.PublishTimeout,
		stopCh:         make(chan struct{}),
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = defaultPublishTimeout
	}

	po := paho.NewClientOptions()
	po.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	po.SetClientID(opts.ClientID)

	// Persistent session so QoS 1 publishes in flight survive a reconnect.
	po.SetCleanSession(false)

	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(5 * time.Second)
	po.SetMaxReconnectInterval(60 * time.Second)

	po.SetKeepAlive(30 * time.Second)
	po.SetPingTimeout(10 * time.Second)

	po.SetOnConnectHandler(func(_ paho.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", opts.Broker, "port", opts.Port)
	})
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = paho.NewClient(po)
	return c
}

// Connect waits for the initial connection. It respects ctx and
// Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry the token may stay pending while paho retries.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnectHandler has set connected.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

// EnsureConnected makes one bounded attempt to (re)connect and reports the
// resulting state.
func (c *Client) EnsureConnected(ctx context.Context) bool {
	if c.IsConnected() {
		return true
	}
	if c.opts.ReconnectWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ReconnectWait)
		defer cancel()
	}
	if err := c.Connect(ctx); err != nil {
		c.logger.Debug("mqtt reconnect attempt failed", "error", err)
	}
	return c.IsConnected()
}

// Deliver publishes r with QoS 1 and waits for the broker acknowledgement.
func (c *Client) Deliver(ctx context.Context, deviceID string, r record.Record) transport.Outcome {
	if !c.IsConnected() {
		return transport.Offline
	}

	data, err := json.Marshal(transport.ReadingPayload{
		DeviceID:   deviceID,
		SensorType: r.Kind(),
		MeasuredAt: r.MeasuredAt(),
		Value:      r.Value(),
	})
	if err != nil {
		c.logger.Error("marshal reading", "error", err)
		return transport.ClientError
	}

	topic := ReadingsTopic(deviceID)
	if err := c.publish(ctx, topic, false, data); err != nil {
		c.logger.Warn("publish reading failed", "topic", topic, "error", err)
		return transport.Transient
	}

	c.logger.Debug("published reading", "topic", topic, "record", r.String())
	return transport.Delivered
}

// PublishHealth publishes h as a retained message on the device health
// topic.
func (c *Client) PublishHealth(ctx context.Context, h Health) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	if h.LastSeen.IsZero() {
		h.LastSeen = time.Now().UTC()
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}

	topic := HealthTopic(h.DeviceID)
	if err := c.publish(ctx, topic, true, data); err != nil {
		return fmt.Errorf("publish health: %w", err)
	}

	c.logger.Debug("published health",
		"topic", topic,
		"healthy", h.Healthy,
		"backlog", h.BacklogOccupancy,
	)
	return nil
}

func (c *Client) publish(ctx context.Context, topic string, retained bool, data []byte) error {
	token := c.client.Publish(topic, 1, retained, data)

	timer := time.NewTimer(c.publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("publish timeout for topic %s", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client. It is idempotent; Connect fails afterwards.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
