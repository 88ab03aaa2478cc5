package types

import (
	"math"
	"time"
)

// ChannelSample is one timestamped set of raw channel readings
type ChannelSample struct {
	Timestamp float64 // unix seconds
	Values    []float64
}

// NewSample builds a sample with exactly n values, zero-filling short reads
// and dropping anything past n
func NewSample(ts float64, raw []float64, n int) ChannelSample {
	values := make([]float64, n)
	copy(values, raw)
	return ChannelSample{Timestamp: ts, Values: values}
}

// NewGapMarker builds a synthetic sample with every channel undefined
func NewGapMarker(ts float64, n int) ChannelSample {
	values := make([]float64, n)
	for i := range values {
		values[i] = math.NaN()
	}
	return ChannelSample{Timestamp: ts, Values: values}
}

// IsGap reports whether the sample is a gap marker
func (s ChannelSample) IsGap() bool {
	if len(s.Values) == 0 {
		return false
	}
	for _, v := range s.Values {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Time returns the local calendar time of the sample
func (s ChannelSample) Time() time.Time {
	return UnixToTime(s.Timestamp)
}

// UnixToTime converts float unix seconds to a time.Time with microsecond precision
func UnixToTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

// TimeToUnix converts a time.Time to float unix seconds
func TimeToUnix(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
