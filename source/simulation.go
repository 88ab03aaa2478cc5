package source

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	simCenter    = 2.0
	simAmplitude = 2.0
	simTimeScale = 0.2
	simNoise     = 0.05
)

// Simulation produces slow sine waves between 0 and 4 with a little noise
// Channel i runs at frequency 1+0.05*i with phase 0.5*i
type Simulation struct {
	channels int
	now      func() time.Time
	noise    func() float64

	mu        sync.Mutex
	connected bool
	start     time.Time
}

// NewSimulation creates a disconnected simulated source
func NewSimulation(channels int) *Simulation {
	return &Simulation{
		channels: channels,
		now:      time.Now,
		noise: func() float64 {
			return (rand.Float64()*2 - 1) * simNoise
		},
	}
}

// Connect starts the waveform clock; address and baud rate are ignored
func (s *Simulation) Connect(_ string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.start = s.now()
	return nil
}

func (s *Simulation) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.connected = false
	return nil
}

func (s *Simulation) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulation) GetData() []float64 {
	s.mu.Lock()
	connected, start := s.connected, s.start
	s.mu.Unlock()
	if !connected {
		return nil
	}

	t := s.now().Sub(start).Seconds() * simTimeScale
	data := make([]float64, s.channels)
	for i := range data {
		freq := 1 + float64(i)*0.05
		phase := float64(i) * 0.5
		data[i] = simCenter + simAmplitude*math.Sin(t*freq+phase) + s.noise()
	}
	return data
}

func (s *Simulation) Name() string {
	return "Simulation"
}
