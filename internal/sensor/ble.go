package sensor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"aeris-agent/internal/record"
)

// BLEOptions configures a BLE source.
type BLEOptions struct {
	// Adapter is the HCI adapter name, "hci0" by default.
	Adapter string
	// DeviceID restricts the source to one Pico. Zero accepts any.
	DeviceID uint32
	Logger   *slog.Logger
}

// BLE samples the most recent advertisement of a Pico sensor. Scanning
// runs in its own goroutine (Run); Sample hands out each reading at most
// once.
type BLE struct {
	opts    BLEOptions
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu       sync.Mutex
	latest   BLEReading
	fresh    bool
	lastID   uint32
	haveLast bool
}

// NewBLE returns a BLE source. Call Run to start scanning.
func NewBLE(opts BLEOptions) *BLE {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BLE{
		opts:    opts,
		adapter: bluetooth.NewAdapter(opts.Adapter),
		logger:  logger,
	}
}

// Run enables the adapter and scans until ctx is cancelled.
func (b *BLE) Run(ctx context.Context) error {
	b.logger.Info("ble: enabling adapter", "adapter", b.opts.Adapter)
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable (%s): %w", b.opts.Adapter, err)
	}

	go func() {
		<-ctx.Done()
		_ = b.adapter.StopScan()
	}()

	b.logger.Info("ble: scanning started", "company", fmt.Sprintf("0x%04X", BLECompanyID))
	err := b.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		for _, md := range r.ManufacturerData() {
			if md.CompanyID != BLECompanyID || !bytes.HasPrefix(md.Data, BLEPrefix) {
				continue
			}
			b.Observe(r.Address.String(), md.Data)
			return
		}
	})

	if ctx.Err() != nil {
		b.logger.Info("ble: scanning stopped (context canceled)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}
	return nil
}

// Observe feeds one manufacturer data payload into the source. Repeated
// advertisements of the same reading are ignored.
func (b *BLE) Observe(addr string, data []byte) {
	reading, err := ParseBLEPayload(data)
	if err != nil {
		b.logger.Debug("ble: ignore non-sensor payload", "addr", addr, "error", err)
		return
	}
	if b.opts.DeviceID != 0 && reading.DeviceID != b.opts.DeviceID {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haveLast && reading.ReadingID == b.lastID {
		return
	}
	b.latest = reading
	b.fresh = true
	b.lastID = reading.ReadingID
	b.haveLast = true

	b.logger.Debug("ble: sensor reading",
		"addr", addr,
		"device_id", reading.DeviceID,
		"reading_id", reading.ReadingID,
		"T", reading.Temperature, "P", reading.Pressure, "H", reading.Humidity,
	)
}

// Sample implements Sampler. It returns ErrNoReading when nothing new was
// advertised since the previous call.
func (b *BLE) Sample() (record.Values, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fresh {
		return record.Values{}, ErrNoReading
	}
	b.fresh = false
	return b.latest.Values, nil
}
