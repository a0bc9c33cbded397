// Package link provides the connectivity signal for the HTTP transport: a
// cached health probe of the collection endpoint.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const healthPath = "/healthz"

// Options configures a Probe.
type Options struct {
	BaseURL string
	// Interval is how long a probe result is trusted before IsConnected
	// probes again.
	Interval time.Duration
	// Timeout bounds a single probe request.
	Timeout time.Duration
	// ReconnectWait bounds EnsureConnected.
	ReconnectWait time.Duration
	Client        *http.Client
	Logger        *slog.Logger
	// Now is used for cache expiry. Defaults to time.Now.
	Now func() time.Time
}

// Probe reports whether the backend is reachable by issuing GET /healthz.
// Results are cached for Interval so polling it every tick stays cheap.
type Probe struct {
	url           string
	interval      time.Duration
	timeout       time.Duration
	reconnectWait time.Duration
	client        *http.Client
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	connected bool
	checkedAt time.Time
	checked   bool
}

// NewProbe returns a Probe for the backend at opts.BaseURL.
func NewProbe(opts Options) (*Probe, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("link: base url is required")
	}
	p := &Probe{
		url:           base + healthPath,
		interval:      opts.Interval,
		timeout:       opts.Timeout,
		reconnectWait: opts.ReconnectWait,
		client:        opts.Client,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if p.timeout <= 0 {
		p.timeout = 2 * time.Second
	}
	if p.reconnectWait <= 0 {
		p.reconnectWait = 5 * time.Second
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// IsConnected returns the cached connectivity state, probing when the
// cache has expired.
func (p *Probe) IsConnected() bool {
	p.mu.Lock()
	fresh := p.checked && p.now().Sub(p.checkedAt) < p.interval
	connected := p.connected
	p.mu.Unlock()
	if fresh {
		return connected
	}
	return p.check(context.Background())
}

// EnsureConnected probes with exponential backoff until the backend answers
// or ReconnectWait has elapsed.
func (p *Probe) EnsureConnected(ctx context.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = p.reconnectWait

	err := backoff.Retry(func() error {
		if p.check(ctx) {
			return nil
		}
		return fmt.Errorf("backend unreachable")
	}, backoff.WithContext(b, ctx))
	if err != nil {
		p.logger.Debug("reconnect gave up", "url", p.url, "wait", p.reconnectWait, "error", err)
		return false
	}
	return true
}

func (p *Probe) check(ctx context.Context) bool {
	ok := p.get(ctx)

	p.mu.Lock()
	changed := !p.checked || p.connected != ok
	p.connected = ok
	p.checked = true
	p.checkedAt = p.now()
	p.mu.Unlock()

	if changed {
		if ok {
			p.logger.Info("backend reachable", "url", p.url)
		} else {
			p.logger.Warn("backend unreachable", "url", p.url)
		}
	}
	return ok
}

func (p *Probe) get(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
