package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"aeris-agent/internal/transport"
)

func newMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reg
}

func TestNew_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("second New on the same registry: expected error")
	}
}

func TestObserveDelivery(t *testing.T) {
	m, _ := newMetrics(t)

	m.ObserveDelivery(transport.Delivered, 20*time.Millisecond)
	m.ObserveDelivery(transport.Delivered, 30*time.Millisecond)
	m.ObserveDelivery(transport.Transient, time.Second)
	m.ObserveDelivery(transport.Offline, 0)

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")); got != 2 {
		t.Errorf("delivered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("transient")); got != 1 {
		t.Errorf("transient = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("offline")); got != 1 {
		t.Errorf("offline = %v, want 1", got)
	}

	if n := testutil.CollectAndCount(m.latency); n != 1 {
		t.Errorf("latency collectors = %d, want 1", n)
	}
}

func TestRecordDrop(t *testing.T) {
	m, _ := newMetrics(t)

	m.RecordDrop("client_error", 1)
	m.RecordDrop("unbuffered", 3)
	m.RecordDrop("unbuffered", 0)

	if got := testutil.ToFloat64(m.dropped.WithLabelValues("client_error")); got != 1 {
		t.Errorf("client_error drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("unbuffered")); got != 3 {
		t.Errorf("unbuffered drops = %v, want 3", got)
	}
}

func TestSetBacklog_MirrorsMonotonicCounters(t *testing.T) {
	m, _ := newMetrics(t)

	m.SetBacklog(4, 10, 2, 0)
	m.SetBacklog(5, 10, 2, 1)
	m.SetBacklog(10, 10, 7, 1)

	if got := testutil.ToFloat64(m.occupancy); got != 10 {
		t.Errorf("occupancy = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.capacity); got != 10 {
		t.Errorf("capacity = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.evictions); got != 7 {
		t.Errorf("evictions = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.rejections); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
}

func TestSetDegraded(t *testing.T) {
	m, _ := newMetrics(t)

	m.SetDegraded(true)
	if got := testutil.ToFloat64(m.degraded); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
	m.SetDegraded(false)
	if got := testutil.ToFloat64(m.degraded); got != 0 {
		t.Errorf("degraded = %v, want 0", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m, reg := newMetrics(t)
	m.SetBacklog(3, 720, 0, 0)

	srv := httptest.NewServer(NewHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for _, name := range []string{"aeris_backlog_occupancy 3", "aeris_backlog_capacity 720"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("body missing %q", name)
		}
	}
}
