// Package window maps the interactive zoom control to a time span on a logarithmic scale.
package window

import "math"

const (
	// MinSeconds is the narrowest window, one minute
	MinSeconds = 60.0
	// MaxSeconds is the widest window, one day
	MaxSeconds = 86400.0
	// MaxControl is the upper end of the control range [0, MaxControl]
	MaxControl = 100.0
)

// Mapper converts between control values and window widths in seconds
type Mapper struct {
	MinSeconds float64
	MaxSeconds float64
}

// NewMapper returns a Mapper for [minSeconds, maxSeconds], falling back to the defaults
// when the bounds are not a positive increasing pair
func NewMapper(minSeconds, maxSeconds float64) Mapper {
	if minSeconds <= 0 || maxSeconds <= minSeconds {
		return DefaultMapper()
	}
	return Mapper{MinSeconds: minSeconds, MaxSeconds: maxSeconds}
}

// DefaultMapper spans one minute to one day
func DefaultMapper() Mapper {
	return Mapper{MinSeconds: MinSeconds, MaxSeconds: MaxSeconds}
}

// SliderToSeconds maps v in [0,100] to seconds; values outside the range are clamped
func (m Mapper) SliderToSeconds(v float64) float64 {
	v = clamp(v, 0, MaxControl)
	if v == 0 {
		return m.MinSeconds
	}
	if v == MaxControl {
		return m.MaxSeconds
	}
	lnMin, lnMax := math.Log(m.MinSeconds), math.Log(m.MaxSeconds)
	return math.Exp(lnMin + (v/MaxControl)*(lnMax-lnMin))
}

// SecondsToSlider clamps seconds to the window bounds and returns the nearest control value
func (m Mapper) SecondsToSlider(seconds float64) int {
	if math.IsNaN(seconds) {
		return 0
	}
	seconds = clamp(seconds, m.MinSeconds, m.MaxSeconds)
	lnMin, lnMax := math.Log(m.MinSeconds), math.Log(m.MaxSeconds)
	v := (math.Log(seconds) - lnMin) / (lnMax - lnMin) * MaxControl
	return int(math.Round(v))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
