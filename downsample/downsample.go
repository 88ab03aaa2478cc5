// Package downsample reduces a slice of samples to a render budget while keeping gaps visible.
package downsample

import "github.com/mjasion/balena-home/balkon/pkg/types"

// Stride returns the step between rendered samples for p points and a budget of t points
// It is max(1, ceil(p/t)) so the rendered count never exceeds t
func Stride(p, t int) int {
	if t < 1 || p <= t {
		return 1
	}
	return (p + t - 1) / t
}

// Indices returns the positions kept by striding p points down to at most t
// The last point is kept as well when the budget leaves room for it
func Indices(p, t int) []int {
	if p <= 0 {
		return nil
	}
	stride := Stride(p, t)
	idx := make([]int, 0, p/stride+1)
	for i := 0; i < p; i += stride {
		idx = append(idx, i)
	}
	if last := p - 1; idx[len(idx)-1] != last && (t < 1 || len(idx) < t) {
		idx = append(idx, last)
	}
	return idx
}

// Downsample strides samples down to budget and inserts a break point between two rendered samples
// when the originals between them hold a gap marker or two neighbours further apart than gapThreshold seconds
// The break carries the earlier sample's timestamp and NaN for every channel
func Downsample(samples []types.ChannelSample, budget int, gapThreshold float64) []types.ChannelSample {
	if len(samples) == 0 {
		return nil
	}

	idx := Indices(len(samples), budget)
	out := make([]types.ChannelSample, 0, len(idx)+8)
	for k, i := range idx {
		s := samples[i]
		if k > 0 && gapThreshold > 0 {
			prev := samples[idx[k-1]]
			if !prev.IsGap() && !s.IsGap() && hasGap(samples, idx[k-1], i, gapThreshold) {
				out = append(out, types.NewGapMarker(prev.Timestamp, len(prev.Values)))
			}
		}
		out = append(out, s)
	}
	return out
}

// hasGap scans the originals in [lo, hi] for a skipped gap marker or a separation above threshold
func hasGap(samples []types.ChannelSample, lo, hi int, threshold float64) bool {
	for j := lo + 1; j <= hi; j++ {
		a, b := samples[j-1], samples[j]
		if j < hi && b.IsGap() {
			return true
		}
		if !a.IsGap() && !b.IsGap() && b.Timestamp-a.Timestamp > threshold {
			return true
		}
	}
	return false
}

// CountGaps returns the number of gap markers in samples
func CountGaps(samples []types.ChannelSample) int {
	n := 0
	for _, s := range samples {
		if s.IsGap() {
			n++
		}
	}
	return n
}
