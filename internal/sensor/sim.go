package sensor

import (
	"math"
	"math/rand"
	"sync"

	"aeris-agent/internal/record"
)

// Simulated is a random-walk source around typical indoor conditions.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
	cur record.Values
}

// NewSimulated returns a Simulated source. The same seed produces the same
// sequence.
func NewSimulated(seed int64) *Simulated {
	return &Simulated{
		rng: rand.New(rand.NewSource(seed)),
		cur: record.Values{Temperature: 21, Humidity: 45, Pressure: 1013.25},
	}
}

// Sample implements Sampler.
func (s *Simulated) Sample() (record.Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur.Temperature = clamp(s.cur.Temperature+s.rng.NormFloat64()*0.1, -40, 85)
	s.cur.Humidity = clamp(s.cur.Humidity+s.rng.NormFloat64()*0.3, 0, 100)
	s.cur.Pressure = clamp(s.cur.Pressure+s.rng.NormFloat64()*0.05, 300, 1100)

	return record.Values{
		Temperature: round(s.cur.Temperature, 2),
		Humidity:    round(s.cur.Humidity, 2),
		Pressure:    round(s.cur.Pressure, 2),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
