// Package capture gates sampling of the live source to the configured interval.
package capture

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/gap"
	"github.com/mjasion/balena-home/balkon/pkg/types"
	"github.com/mjasion/balena-home/balkon/source"
)

// Store receives captured samples and gap markers in order
type Store interface {
	Append(samples ...types.ChannelSample)
}

// Enqueuer persists real samples; gap markers never reach it
type Enqueuer interface {
	Enqueue(s types.ChannelSample) bool
}

// Config configures a Scheduler
type Config struct {
	Channels  int
	Interval  time.Duration
	Detector  gap.Detector
	Calibrate func(raw []float64) []float64
}

// Scheduler decides on every tick whether a sample is due and records it
type Scheduler struct {
	source    source.Source
	store     Store
	queue     Enqueuer
	detector  gap.Detector
	channels  int
	calibrate func([]float64) []float64
	logger    *zap.Logger

	mu       sync.Mutex
	interval time.Duration
	running  bool
	last     float64
	latest   []float64
	captured uint64
	markers  uint64
	dropped  uint64
}

// New creates a running scheduler; queue may be nil when persistence is unavailable
func New(cfg Config, src source.Source, store Store, queue Enqueuer, logger *zap.Logger) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		source:    src,
		store:     store,
		queue:     queue,
		detector:  cfg.Detector,
		channels:  cfg.Channels,
		calibrate: cfg.Calibrate,
		logger:    logger,
		interval:  interval,
		running:   true,
	}
}

// Tick captures one sample when the source is connected, capture is running
// and at least one interval has passed since the last capture
func (s *Scheduler) Tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || !s.source.Connected() {
		return false
	}

	ts := types.TimeToUnix(now)
	interval := s.interval.Seconds()
	if s.last != 0 && ts-s.last < interval {
		return false
	}

	raw := s.source.GetData()
	if raw == nil {
		return false
	}
	sample := types.NewSample(ts, raw, s.channels)

	if s.last != 0 {
		if marker, ok := s.detector.Live(ts, s.last, interval, s.channels); ok {
			s.store.Append(marker)
			s.markers++
			s.logger.Info("capture resumed after gap",
				zap.Float64("gap_seconds", ts-s.last),
				zap.Duration("interval", s.interval))
		}
	}
	s.store.Append(sample)

	if s.queue != nil && !s.queue.Enqueue(sample) {
		s.dropped++
	}

	s.last = ts
	s.captured++
	if s.calibrate != nil {
		s.latest = s.calibrate(sample.Values)
	} else {
		s.latest = sample.Values
	}
	return true
}

// SetInterval changes the sampling interval and forces a capture on the next tick
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.last = 0
}

// SetRunning pauses or resumes capture
func (s *Scheduler) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// Running reports whether capture is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reset forgets the last capture so the next tick captures without a gap check
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = 0
}

// Seed sets the last capture time from replayed history when nothing was captured yet,
// so the first live capture is checked for a gap against it
func (s *Scheduler) Seed(last float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == 0 {
		s.last = last
	}
}

// Interval returns the sampling interval
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// LastCapture returns the unix time of the last capture, 0 when none since the last reset
func (s *Scheduler) LastCapture() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Latest returns the most recent captured values, calibrated when a calibrator is set
func (s *Scheduler) Latest() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	out := make([]float64, len(s.latest))
	copy(out, s.latest)
	return out
}

// Stats is a snapshot of scheduler counters
type Stats struct {
	Captured uint64
	Markers  uint64
	Dropped  uint64
}

// Stats returns capture counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Captured: s.captured, Markers: s.markers, Dropped: s.dropped}
}
