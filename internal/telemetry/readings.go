package telemetry

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Reading is one environmental sample sent as telemetry.
type Reading struct {
	Temp     float64 `json:"temp"`
	Humidity float64 `json:"humidity"`
}

// Fields returns the reading as a field map.
func (r Reading) Fields() map[string]any {
	return map[string]any{"temp": r.Temp, "humidity": r.Humidity}
}

// Status is the device state sent as reported properties.
type Status struct {
	Battery float64 `json:"battery"`
}

// Fields returns the status as a field map.
func (s Status) Fields() map[string]any {
	return map[string]any{"battery": s.Battery}
}

// Source produces samples.
type Source interface {
	Reading() Reading
	Status() Status
}

// Simulator produces random samples in plausible ranges:
// temp 20-120, humidity 0-100, battery 0-100.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator seeded with seed.
func NewSimulator(seed uint64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Reading returns a random reading rounded to two decimals.
func (s *Simulator) Reading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Reading{
		Temp:     round2(20 + s.rng.Float64()*100),
		Humidity: round2(s.rng.Float64() * 100),
	}
}

// Status returns a random battery level rounded to two decimals.
func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Battery: round2(s.rng.Float64() * 100)}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
