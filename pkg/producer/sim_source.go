package producer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// SimulatedSource is a CaptureSource that random-walks around a starting
// position. It exists for the reference daemon and integration testing on
// hosts without positioning hardware.
type SimulatedSource struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	samples chan Sample
	request chan struct{}

	lat     float64
	lon     float64
	battery float64
	rng     *rand.Rand
}

// NewSimulatedSource creates a simulated source anchored at the given
// coordinates
func NewSimulatedSource(lat, lon float64) *SimulatedSource {
	return &SimulatedSource{
		lat:     lat,
		lon:     lon,
		battery: 1.0,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start begins emitting samples at the preset heartbeat interval
func (s *SimulatedSource) Start(preset fix.CadencePreset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.samples = make(chan Sample, 8)
	s.request = make(chan struct{}, 1)

	interval := preset.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	go s.loop(interval, s.stopCh, s.samples, s.request)
	return nil
}

// Stop halts the simulated session and closes the samples channel
func (s *SimulatedSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// RequestSample emits one sample immediately
func (s *SimulatedSource) RequestSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	select {
	case s.request <- struct{}{}:
	default:
	}
}

// Samples returns the capture stream for the current session
func (s *SimulatedSource) Samples() <-chan Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func (s *SimulatedSource) loop(interval time.Duration, stopCh chan struct{}, out chan Sample, request chan struct{}) {
	defer close(out)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		case <-request:
		}

		sample := s.next()
		select {
		case out <- sample:
		case <-stopCh:
			return
		}
	}
}

// next advances the random walk and drains the battery slightly
func (s *SimulatedSource) next() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Roughly a few meters per step
	s.lat += (s.rng.Float64() - 0.5) * 0.0001
	s.lon += (s.rng.Float64() - 0.5) * 0.0001
	s.battery -= 0.0001
	if s.battery < 0 {
		s.battery = 0
	}

	alt := 20 + s.rng.Float64()*5
	return Sample{
		Time:               time.Now(),
		Latitude:           s.lat,
		Longitude:          s.lon,
		Altitude:           &alt,
		HorizontalAccuracy: 5 + s.rng.Float64()*20,
		VerticalAccuracy:   10,
		Speed:              s.rng.Float64() * 2,
		Course:             s.rng.Float64() * 360,
		BatteryFraction:    s.battery,
		Thermal:            ThermalNominal,
	}
}
