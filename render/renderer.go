// Package render turns the buffered history into calibrated, downsampled frames for display sinks.
package render

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/config"
	"github.com/mjasion/balena-home/balkon/downsample"
	"github.com/mjasion/balena-home/balkon/pkg/types"
	"github.com/mjasion/balena-home/balkon/window"
)

// History is the read side of the sample buffer
type History interface {
	QueryRange(minTime, maxTime float64) (lo, hi int)
	Slice(lo, hi int) []types.ChannelSample
	Latest() (types.ChannelSample, bool)
	Version() uint64
	Len() int
}

// Series is the calibrated values of one channel, aligned with Frame.Timestamps
type Series struct {
	Channel int // 1-based
	Values  []float64
}

// Frame is one rendered view
type Frame struct {
	Mode       window.Mode
	Window     float64
	Min        float64
	Max        float64
	Latest     float64
	Timestamps []float64
	Times      []time.Time
	Series     []Series
	YMin       float64
	YMax       float64
	Source     int
	Markers    int
}

// Points returns the number of rendered points including gap breaks
func (f Frame) Points() int {
	return len(f.Timestamps)
}

// Config sets the point budgets
type Config struct {
	LiveBudget   int
	ManualBudget int
	MinMargin    int
}

// maxQueryAttempts bounds the retries of a range read racing buffer writes
const maxQueryAttempts = 3

type rangeCache struct {
	valid   bool
	version uint64
	lo, hi  int
	samples []types.ChannelSample
}

// Renderer builds frames from a History
type Renderer struct {
	history History
	mapper  window.Mapper
	cfg     Config
	logger  *zap.Logger

	mu    sync.Mutex
	view  window.Viewport
	cache rangeCache
}

// New creates a renderer in live mode with the given window control value
func New(cfg Config, history History, mapper window.Mapper, control float64, logger *zap.Logger) *Renderer {
	if cfg.LiveBudget < 2 {
		cfg.LiveBudget = 1500
	}
	if cfg.ManualBudget < 2 {
		cfg.ManualBudget = 4000
	}
	return &Renderer{
		history: history,
		mapper:  mapper,
		cfg:     cfg,
		logger:  logger,
		view:    window.Viewport{Mode: window.Live, Control: control},
	}
}

// Viewport returns the current view state
func (r *Renderer) Viewport() window.Viewport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// SetControl sets the window control value, 0..100; a manual view is resized around its centre
func (r *Renderer) SetControl(control float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.Zoom(r.mapper, control)
}

// Pin switches to a manual view of [min, max] and returns the re-derived control value
func (r *Renderer) Pin(min, max float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.Pin(r.mapper, min, max)
	return r.view.Control
}

// Pan switches to a manual view centred on center
func (r *Renderer) Pan(center float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.Pan(r.mapper, center)
}

// Follow returns to the live view
func (r *Renderer) Follow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.Follow()
	r.cache = rangeCache{}
}

// Render builds the frame for the current view
// gapThreshold is the separation in seconds above which a break is drawn
func (r *Renderer) Render(settings *config.Settings, gapThreshold float64) (Frame, bool) {
	latest, ok := r.history.Latest()
	if !ok {
		return Frame{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	min, max := r.view.Bounds(r.mapper, latest.Timestamp)
	var (
		samples []types.ChannelSample
		budget  int
	)
	if r.view.Mode == window.Manual {
		samples = r.manualRange(min, max)
		budget = r.cfg.ManualBudget
	} else {
		samples = r.liveRange(min, max)
		budget = r.cfg.LiveBudget
	}

	rendered := downsample.Downsample(samples, budget, gapThreshold)

	frame := Frame{
		Mode:       r.view.Mode,
		Window:     max - min,
		Min:        min,
		Max:        max,
		Latest:     latest.Timestamp,
		Timestamps: make([]float64, len(rendered)),
		Times:      make([]time.Time, len(rendered)),
		YMin:       settings.YMin,
		YMax:       settings.YMax,
		Source:     len(samples),
		Markers:    downsample.CountGaps(rendered),
	}
	for i, s := range rendered {
		frame.Timestamps[i] = s.Timestamp
		frame.Times[i] = s.Time()
	}

	for _, ch := range settings.ActiveChannels() {
		cal := settings.Channels[ch]
		values := make([]float64, len(rendered))
		for i, s := range rendered {
			var raw float64
			if ch < len(s.Values) {
				raw = s.Values[ch]
			}
			values[i] = cal.Apply(raw)
		}
		frame.Series = append(frame.Series, Series{Channel: ch + 1, Values: values})
	}

	return frame, true
}

// liveRange slices [min, max] and retries when the buffer changed between the index search and the copy
func (r *Renderer) liveRange(min, max float64) []types.ChannelSample {
	for attempt := 1; ; attempt++ {
		version := r.history.Version()
		samples := r.history.Slice(r.history.QueryRange(min, max))
		if r.history.Version() == version || attempt == maxQueryAttempts {
			return samples
		}
	}
}

// manualRange returns the samples around [min, max] with a margin on each side
// The expanded range is reused while the view stays inside it and the buffer is unchanged
func (r *Renderer) manualRange(min, max float64) []types.ChannelSample {
	for attempt := 1; ; attempt++ {
		version := r.history.Version()
		lo, hi := r.history.QueryRange(min, max)

		c := &r.cache
		if c.valid && c.version == version && c.lo <= lo && hi <= c.hi {
			return c.samples
		}

		margin := hi - lo
		if margin < r.cfg.MinMargin {
			margin = r.cfg.MinMargin
		}
		elo := lo - margin
		if elo < 0 {
			elo = 0
		}
		ehi := hi + margin
		if n := r.history.Len(); ehi > n {
			ehi = n
		}

		samples := r.history.Slice(elo, ehi)
		if r.history.Version() != version && attempt < maxQueryAttempts {
			continue
		}
		*c = rangeCache{
			valid:   true,
			version: version,
			lo:      elo,
			hi:      ehi,
			samples: samples,
		}
		return samples
	}
}
