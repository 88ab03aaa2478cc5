// Package gap decides when a synthetic "no data" marker belongs between two samples.
package gap

import "github.com/mjasion/balena-home/balkon/pkg/types"

// DefaultMultiplier is the number of sampling intervals a pause must exceed to count as a gap
const DefaultMultiplier = 20

// replayOffset places a replayed marker just before the sample that resumes the data
const replayOffset = 0.001

// Detector compares consecutive timestamps against interval*Multiplier
type Detector struct {
	Multiplier float64
}

// New returns a Detector; multipliers below 1 are raised to 1
func New(multiplier float64) Detector {
	if multiplier < 1 {
		multiplier = 1
	}
	return Detector{Multiplier: multiplier}
}

// Threshold is the largest separation, in seconds, still treated as continuous data
func (d Detector) Threshold(interval float64) float64 {
	m := d.Multiplier
	if m < 1 {
		m = 1
	}
	return interval * m
}

// IsGap reports whether curr follows prev by more than the threshold
func (d Detector) IsGap(prev, curr, interval float64) bool {
	return curr-prev > d.Threshold(interval)
}

// Live returns the marker to insert before a capture at now when the previous capture was at last
// The marker sits half an interval before now
func (d Detector) Live(now, last, interval float64, n int) (types.ChannelSample, bool) {
	if !d.IsGap(last, now, interval) {
		return types.ChannelSample{}, false
	}
	return types.NewGapMarker(now-interval/2, n), true
}

// Replay returns the marker to insert between two persisted rows
// The marker sits one millisecond before curr
func (d Detector) Replay(prev, curr, interval float64, n int) (types.ChannelSample, bool) {
	if !d.IsGap(prev, curr, interval) {
		return types.ChannelSample{}, false
	}
	return types.NewGapMarker(curr-replayOffset, n), true
}
