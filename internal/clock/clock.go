// Package clock is the agent's timestamp source: a monotonic tick used for
// sampling cadence and a calendar timestamp stamped on every reading.
package clock

import (
	"sync"
	"time"
)

// TimestampLayout is the wire format for measured_at: ISO-8601, UTC,
// millisecond precision. The backend keys duplicates on this exact string.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Source produces a monotonically non-decreasing tick and a best-effort
// wall-clock time.
type Source interface {
	// Ticks returns the time elapsed since the source was created. It never
	// goes backwards, even if the wall clock is stepped.
	Ticks() time.Duration
	// Now returns the current calendar time.
	Now() time.Time
}

// Format renders t in TimestampLayout.
func Format(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Stamp returns the current calendar time of s in TimestampLayout.
func Stamp(s Source) string {
	return Format(s.Now())
}

// Real returns a Source backed by the time package. Ticks is measured with
// the monotonic clock reading carried by time.Now.
func Real() Source {
	return &realSource{start: time.Now()}
}

type realSource struct {
	start time.Time
}

func (r *realSource) Ticks() time.Duration { return time.Since(r.start) }

func (r *realSource) Now() time.Time { return time.Now() }

// FakeSource is a deterministic Source for tests. Time stands still until
// Advance is called.
type FakeSource struct {
	mu      sync.Mutex
	current time.Time
	elapsed time.Duration
}

// Fake returns a FakeSource whose calendar time starts at initial.
func Fake(initial time.Time) *FakeSource {
	return &FakeSource{current: initial}
}

// Ticks implements Source.
func (f *FakeSource) Ticks() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elapsed
}

// Now implements Source.
func (f *FakeSource) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Advance moves both the tick count and the calendar time forward by d.
// Negative durations are ignored.
func (f *FakeSource) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.current = f.current.Add(d)
	f.elapsed += d
	f.mu.Unlock()
}

// SetWallClock steps the calendar time without touching the tick count,
// the way an NTP correction would.
func (f *FakeSource) SetWallClock(t time.Time) {
	f.mu.Lock()
	f.current = t
	f.mu.Unlock()
}
