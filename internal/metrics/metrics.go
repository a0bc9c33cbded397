// Package metrics exposes the agent's delivery pipeline on a Prometheus
// registry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aeris-agent/internal/transport"
)

// Metrics implements the dispatcher's recorder on top of Prometheus
// collectors. The backlog counters are monotonic in the buffer; they are
// mirrored here by adding the delta since the last snapshot.
type Metrics struct {
	occupancy  prometheus.Gauge
	capacity   prometheus.Gauge
	evictions  prometheus.Counter
	rejections prometheus.Counter
	dropped    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
	degraded   prometheus.Gauge

	mu             sync.Mutex
	lastEvictions  uint64
	lastRejections uint64
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		occupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aeris_backlog_occupancy",
			Help: "Records currently held in the backlog.",
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aeris_backlog_capacity",
			Help: "Configured backlog capacity in records.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aeris_backlog_evictions_total",
			Help: "Oldest records discarded to make room for new ones.",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aeris_backlog_rejections_total",
			Help: "New records refused because the backlog was full.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aeris_records_dropped_total",
			Help: "Records discarded without being delivered.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aeris_deliveries_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aeris_delivery_latency_seconds",
			Help:    "Duration of a single delivery attempt.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aeris_buffering_degraded",
			Help: "1 when the backlog could not be allocated at its configured size.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.occupancy, m.capacity, m.evictions, m.rejections,
		m.dropped, m.deliveries, m.latency, m.degraded,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveDelivery counts one delivery attempt and its duration. Offline
// outcomes never reached the network and are not timed.
func (m *Metrics) ObserveDelivery(o transport.Outcome, took time.Duration) {
	m.deliveries.WithLabelValues(o.String()).Inc()
	if o != transport.Offline {
		m.latency.Observe(took.Seconds())
	}
}

// RecordDrop counts n records discarded for reason.
func (m *Metrics) RecordDrop(reason string, n int) {
	if n <= 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

// SetDegraded flags whether buffering runs below its configured size.
func (m *Metrics) SetDegraded(degraded bool) {
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// SetBacklog mirrors a backlog snapshot.
func (m *Metrics) SetBacklog(occupancy, capacity int, evictions, rejections uint64) {
	m.occupancy.Set(float64(occupancy))
	m.capacity.Set(float64(capacity))

	m.mu.Lock()
	defer m.mu.Unlock()
	if evictions > m.lastEvictions {
		m.evictions.Add(float64(evictions - m.lastEvictions))
		m.lastEvictions = evictions
	}
	if rejections > m.lastRejections {
		m.rejections.Add(float64(rejections - m.lastRejections))
		m.lastRejections = rejections
	}
}
