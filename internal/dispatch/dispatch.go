// Package dispatch decides, tick by tick, whether a reading goes out live
// or waits in the backlog, and drains the backlog in order once the link
// is back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"aeris-agent/internal/backlog"
	"aeris-agent/internal/clock"
	"aeris-agent/internal/record"
	"aeris-agent/internal/sensor"
	"aeris-agent/internal/transport"
)

// Drop reasons reported to the Recorder.
const (
	ReasonClientError = "client_error"
	ReasonUnbuffered  = "unbuffered"
	ReasonRequeue     = "requeue_failed"
)

const (
	DefaultDrainBudget          = 12
	DefaultReconnectDrainBudget = 60
	DefaultSampleInterval       = 60 * time.Second
	DefaultTickInterval         = time.Second
)

// Link is the connectivity collaborator. IsConnected is polled every tick;
// EnsureConnected makes one bounded reconnect attempt.
type Link interface {
	IsConnected() bool
	EnsureConnected(ctx context.Context) bool
}

// Recorder receives the pipeline's observable events.
type Recorder interface {
	ObserveDelivery(o transport.Outcome, took time.Duration)
	RecordDrop(reason string, n int)
	SetBacklog(occupancy, capacity int, evictions, rejections uint64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDelivery(transport.Outcome, time.Duration) {}
func (nopRecorder) RecordDrop(string, int)                           {}
func (nopRecorder) SetBacklog(int, int, uint64, uint64)              {}

// Options configures a Dispatcher.
type Options struct {
	DeviceID string
	// Backlog holds records awaiting delivery. Nil disables buffering:
	// records that cannot be delivered live are dropped and counted.
	Backlog *backlog.Buffer
	// Degraded marks a backlog running below its configured size.
	Degraded bool

	Sampler  sensor.Sampler
	Adapter  transport.Adapter
	Link     Link
	Clock    clock.Source
	Recorder Recorder
	Logger   *slog.Logger

	SampleInterval       time.Duration
	TickInterval         time.Duration
	DrainBudget          int
	ReconnectDrainBudget int
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Occupancy    int
	Capacity     int
	Evictions    uint64
	Rejections   uint64
	Dropped      uint64
	Degraded     bool
	Connected    bool
	SensorAbsent bool
	// LastSampleAt is the measured_at of the most recent triple.
	LastSampleAt string
}

// Dispatcher owns the backlog. Tick, Drain and Run must be called from a
// single goroutine; Stats may be called from any.
type Dispatcher struct {
	deviceID string
	buf      *backlog.Buffer
	degraded bool

	sampler  sensor.Sampler
	adapter  transport.Adapter
	link     Link
	clock    clock.Source
	recorder Recorder
	logger   *slog.Logger

	sampleInterval       time.Duration
	tickInterval         time.Duration
	drainBudget          int
	reconnectDrainBudget int

	sampled      bool
	lastSample   time.Duration
	lastSampleAt string
	sensorAbsent bool
	connected    bool
	dropped      uint64

	stats atomic.Pointer[Stats]
}

// New validates opts and returns a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("dispatch: device id is required")
	}
	if opts.Sampler == nil || opts.Adapter == nil || opts.Link == nil {
		return nil, errors.New("dispatch: sampler, adapter and link are required")
	}
	if opts.DrainBudget < 0 || opts.ReconnectDrainBudget < 0 {
		return nil, fmt.Errorf("dispatch: drain budgets must not be negative")
	}

	d := &Dispatcher{
		deviceID:             opts.DeviceID,
		buf:                  opts.Backlog,
		degraded:             opts.Degraded || opts.Backlog == nil,
		sampler:              opts.Sampler,
		adapter:              opts.Adapter,
		link:                 opts.Link,
		clock:                opts.Clock,
		recorder:             opts.Recorder,
		logger:               opts.Logger,
		sampleInterval:       opts.SampleInterval,
		tickInterval:         opts.TickInterval,
		drainBudget:          opts.DrainBudget,
		reconnectDrainBudget: opts.ReconnectDrainBudget,
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.sampleInterval <= 0 {
		d.sampleInterval = DefaultSampleInterval
	}
	if d.tickInterval <= 0 {
		d.tickInterval = DefaultTickInterval
	}
	if d.drainBudget == 0 {
		d.drainBudget = DefaultDrainBudget
	}
	if d.reconnectDrainBudget == 0 {
		d.reconnectDrainBudget = DefaultReconnectDrainBudget
	}
	if d.buf == nil {
		d.logger.Warn("buffering disabled, undeliverable records will be dropped")
	}
	d.publishStats()
	return d, nil
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		"device_id", d.deviceID,
		"sample_interval", d.sampleInterval,
		"tick_interval", d.tickInterval,
		"drain_budget", d.drainBudget,
	)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", "backlog", d.backlogLen())
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one loop iteration: a drain pass, then a sampling pass when the
// sampling interval has elapsed. Nothing escapes a tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.observeLink()
	d.Drain(ctx, d.drainBudget)

	if d.sampleDue() {
		d.samplingPass(ctx)
	}
	d.publishStats()
}

// Drain delivers up to budget backlog records in FIFO order and returns how
// many were removed. It stops at the first retryable failure, putting that
// record back at the front.
func (d *Dispatcher) Drain(ctx context.Context, budget int) int {
	if d.buf == nil {
		return 0
	}

	drained := 0
	for drained < budget && d.buf.Len() > 0 && d.link.IsConnected() {
		r, _ := d.buf.Pop()
		o := d.deliver(ctx, r)

		switch {
		case o.Succeeded():
			drained++
		case o == transport.ClientError:
			d.logger.Warn("dropping record refused by backend", "record", r.String())
			d.drop(ReasonClientError, 1)
			drained++
		default:
			if err := d.buf.RequeueFront(r); err != nil {
				d.logger.Error("requeue failed, record lost", "record", r.String(), "error", err)
				d.drop(ReasonRequeue, 1)
			}
			d.logger.Debug("drain stopped", "outcome", o.String(), "drained", drained, "backlog", d.buf.Len())
			return drained
		}
	}

	if drained > 0 {
		d.logger.Info("backlog drained", "records", drained, "remaining", d.buf.Len())
	}
	return drained
}

// Stats returns the snapshot taken at the end of the last tick.
func (d *Dispatcher) Stats() Stats {
	return *d.stats.Load()
}

func (d *Dispatcher) sampleDue() bool {
	if d.sensorAbsent {
		return false
	}
	return !d.sampled || d.clock.Ticks()-d.lastSample >= d.sampleInterval
}

func (d *Dispatcher) samplingPass(ctx context.Context) {
	d.sampled = true
	d.lastSample = d.clock.Ticks()

	values, err := d.sampler.Sample()
	switch {
	case errors.Is(err, sensor.ErrNotPresent):
		d.sensorAbsent = true
		d.logger.Warn("sensor not present, sampling disabled", "error", err)
		return
	case errors.Is(err, sensor.ErrNoReading):
		d.logger.Debug("no fresh reading, skipping sample")
		return
	case err != nil:
		d.logger.Warn("sensor read failed, skipping sample", "error", err)
		return
	}

	t := record.NewTriple(clock.Stamp(d.clock), values)
	d.lastSampleAt = t.MeasuredAt
	records := t.Records()

	connected := d.link.IsConnected()
	if !connected || d.backlogLen() > 0 {
		d.enqueue(records[:])
		if !connected && d.link.EnsureConnected(ctx) {
			d.observeLink()
			d.Drain(ctx, d.reconnectDrainBudget)
		}
		return
	}

	d.deliverLive(ctx, records)
}

// deliverLive attempts all three records. The triple is only considered
// sent when every member succeeded; otherwise all three are buffered and
// the duplicates are absorbed as AlreadyExists later.
func (d *Dispatcher) deliverLive(ctx context.Context, records [3]record.Record) {
	var outcomes [3]transport.Outcome
	failed := 0
	for i, r := range records {
		outcomes[i] = d.deliver(ctx, r)
		if !outcomes[i].Succeeded() {
			failed++
		}
	}
	if failed == 0 {
		d.logger.Debug("triple delivered", "measured_at", records[0].MeasuredAt())
		return
	}

	if d.buf == nil {
		d.logger.Warn("live delivery failed, buffering disabled",
			"measured_at", records[0].MeasuredAt(), "failed", failed)
		d.drop(ReasonUnbuffered, failed)
		return
	}

	d.logger.Info("live delivery failed, buffering triple",
		"measured_at", records[0].MeasuredAt(),
		"outcomes", []string{outcomes[0].String(), outcomes[1].String(), outcomes[2].String()},
	)
	d.enqueue(records[:])
}

func (d *Dispatcher) enqueue(records []record.Record) {
	if d.buf == nil {
		d.drop(ReasonUnbuffered, len(records))
		return
	}
	for _, r := range records {
		if res := d.buf.Push(r); res != backlog.Inserted {
			d.logger.Debug("backlog full", "result", res.String(), "record", r.String())
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r record.Record) transport.Outcome {
	start := d.clock.Ticks()
	o := d.adapter.Deliver(ctx, d.deviceID, r)
	d.recorder.ObserveDelivery(o, d.clock.Ticks()-start)
	return o
}

func (d *Dispatcher) drop(reason string, n int) {
	d.dropped += uint64(n)
	d.recorder.RecordDrop(reason, n)
}

func (d *Dispatcher) observeLink() {
	connected := d.link.IsConnected()
	if connected == d.connected {
		return
	}
	d.connected = connected
	if connected {
		d.logger.Info("link up", "backlog", d.backlogLen())
	} else {
		d.logger.Warn("link down, buffering readings", "backlog", d.backlogLen())
	}
}

func (d *Dispatcher) backlogLen() int {
	if d.buf == nil {
		return 0
	}
	return d.buf.Len()
}

func (d *Dispatcher) publishStats() {
	s := Stats{
		Dropped:      d.dropped,
		Degraded:     d.degraded,
		Connected:    d.connected,
		SensorAbsent: d.sensorAbsent,
		LastSampleAt: d.lastSampleAt,
	}
	if d.buf != nil {
		s.Occupancy = d.buf.Len()
		s.Capacity = d.buf.Cap()
		s.Evictions = d.buf.Evictions()
		s.Rejections = d.buf.Rejections()
	}
	d.recorder.SetBacklog(s.Occupancy, s.Capacity, s.Evictions, s.Rejections)
	d.stats.Store(&s)
}
