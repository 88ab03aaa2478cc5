package buffer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mjasion/balena-home/balkon/pkg/types"
)

// RingBuffer is a thread-safe bounded multi-channel history
// Timestamps, calendar times and every channel live in parallel rings that share one capacity,
// so eviction always drops the same index from each of them
type RingBuffer struct {
	mu         sync.RWMutex
	timestamps *Ring[float64]
	times      *Ring[time.Time]
	channels   []*Ring[float64]
	capacity   int

	length  atomic.Int64
	version atomic.Uint64

	indexMu      sync.Mutex
	index        []float64
	indexVersion uint64

	logger       *zap.Logger
	overwriteLog *rate.Limiter
}

// New creates a RingBuffer holding up to capacity samples of n channels
func New(capacity, n int, logger *zap.Logger) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	rb := &RingBuffer{
		timestamps:   NewRing[float64](capacity),
		times:        NewRing[time.Time](capacity),
		channels:     make([]*Ring[float64], n),
		capacity:     capacity,
		logger:       logger,
		overwriteLog: rate.NewLimiter(rate.Every(time.Hour), 1),
	}
	for i := range rb.channels {
		rb.channels[i] = NewRing[float64](capacity)
	}
	return rb
}

// Append adds samples in order, evicting the oldest entries when full
// Samples passed in one call become visible to readers together
func (rb *RingBuffer) Append(samples ...types.ChannelSample) {
	if len(samples) == 0 {
		return
	}

	rb.mu.Lock()
	overwritten := 0
	for _, s := range samples {
		if rb.push(s) {
			overwritten++
		}
	}
	rb.length.Store(int64(rb.timestamps.Len()))
	rb.version.Add(1)
	rb.mu.Unlock()

	if overwritten > 0 && rb.overwriteLog.Allow() {
		rb.logger.Info("ring buffer full, evicting oldest samples",
			zap.Int("capacity", rb.capacity),
			zap.Int("evicted", overwritten))
	}
}

// Backfill merges older samples in front of the buffered ones
// Samples must be sorted by timestamp; anything not strictly older than the oldest buffered
// sample is dropped so the timeline stays ordered. Returns the number of samples accepted
func (rb *RingBuffer) Backfill(samples []types.ChannelSample) int {
	return rb.BackfillJoin(samples, nil)
}

// BackfillJoin is Backfill with a join hook: when both sides are non-empty, join is called
// under the lock with the newest accepted and the oldest buffered sample, and a returned
// sample is placed between them. The joining sample is not counted as accepted
func (rb *RingBuffer) BackfillJoin(samples []types.ChannelSample, join func(prev, next types.ChannelSample) (types.ChannelSample, bool)) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n := rb.timestamps.Len(); n > 0 {
		oldest := rb.timestamps.At(0)
		cut := sort.Search(len(samples), func(i int) bool {
			return samples[i].Timestamp >= oldest
		})
		samples = samples[:cut]
	}
	if len(samples) == 0 {
		return 0
	}

	existing := rb.collect(0, rb.timestamps.Len())
	rb.timestamps.Reset()
	rb.times.Reset()
	for _, ch := range rb.channels {
		ch.Reset()
	}
	for _, s := range samples {
		rb.push(s)
	}
	if join != nil && len(existing) > 0 {
		if m, ok := join(samples[len(samples)-1], existing[0]); ok &&
			m.Timestamp > samples[len(samples)-1].Timestamp && m.Timestamp < existing[0].Timestamp {
			rb.push(m)
		}
	}
	for _, s := range existing {
		rb.push(s)
	}

	rb.length.Store(int64(rb.timestamps.Len()))
	rb.version.Add(1)
	return len(samples)
}

// QueryRange returns the half-open index range [lo, hi) of samples with minTime <= ts <= maxTime
// The search runs against a cached copy of the timestamps that is rebuilt only after the buffer changed
func (rb *RingBuffer) QueryRange(minTime, maxTime float64) (lo, hi int) {
	index := rb.timestampIndex()
	lo = sort.SearchFloat64s(index, minTime)
	hi = sort.Search(len(index), func(i int) bool {
		return index[i] > maxTime
	})
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Slice returns copies of samples [lo, hi), clamped to the current length
func (rb *RingBuffer) Slice(lo, hi int) []types.ChannelSample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.collect(lo, hi)
}

// Times returns the calendar times of samples [lo, hi), clamped to the current length
func (rb *RingBuffer) Times(lo, hi int) []time.Time {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	lo, hi = rb.clamp(lo, hi)
	if lo >= hi {
		return nil
	}
	return rb.times.AppendRange(make([]time.Time, 0, hi-lo), lo, hi)
}

// Range returns copies of samples with minTime <= ts <= maxTime
func (rb *RingBuffer) Range(minTime, maxTime float64) []types.ChannelSample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.timestamps.Len()
	lo := sort.Search(n, func(i int) bool { return rb.timestamps.At(i) >= minTime })
	hi := sort.Search(n, func(i int) bool { return rb.timestamps.At(i) > maxTime })
	return rb.collect(lo, hi)
}

// After returns copies of samples strictly newer than ts
func (rb *RingBuffer) After(ts float64) []types.ChannelSample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.timestamps.Len()
	lo := sort.Search(n, func(i int) bool { return rb.timestamps.At(i) > ts })
	return rb.collect(lo, n)
}

// Snapshot returns copies of every buffered sample, oldest first
func (rb *RingBuffer) Snapshot() []types.ChannelSample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.collect(0, rb.timestamps.Len())
}

// Latest returns the newest sample
func (rb *RingBuffer) Latest() (types.ChannelSample, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.timestamps.Len()
	if n == 0 {
		return types.ChannelSample{}, false
	}
	return rb.sampleAt(n - 1), true
}

// Len returns the number of buffered samples without taking the lock
func (rb *RingBuffer) Len() int {
	return int(rb.length.Load())
}

// Capacity returns the maximum number of samples
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// Channels returns the number of channels per sample
func (rb *RingBuffer) Channels() int {
	return len(rb.channels)
}

// Version changes every time the buffer contents change
func (rb *RingBuffer) Version() uint64 {
	return rb.version.Load()
}

// Stats returns buffer statistics (size and capacity)
func (rb *RingBuffer) Stats() (size, capacity int) {
	return rb.Len(), rb.capacity
}

func (rb *RingBuffer) timestampIndex() []float64 {
	rb.indexMu.Lock()
	defer rb.indexMu.Unlock()

	if rb.index != nil && rb.indexVersion == rb.version.Load() {
		return rb.index
	}

	rb.mu.RLock()
	n := rb.timestamps.Len()
	index := rb.timestamps.AppendRange(make([]float64, 0, n), 0, n)
	rb.indexVersion = rb.version.Load()
	rb.mu.RUnlock()

	rb.index = index
	return index
}

func (rb *RingBuffer) push(s types.ChannelSample) bool {
	overwritten := rb.timestamps.Push(s.Timestamp)
	rb.times.Push(s.Time())
	for i, ch := range rb.channels {
		var v float64
		if i < len(s.Values) {
			v = s.Values[i]
		}
		ch.Push(v)
	}
	return overwritten
}

func (rb *RingBuffer) sampleAt(i int) types.ChannelSample {
	values := make([]float64, len(rb.channels))
	for c, ch := range rb.channels {
		values[c] = ch.At(i)
	}
	return types.ChannelSample{Timestamp: rb.timestamps.At(i), Values: values}
}

func (rb *RingBuffer) collect(lo, hi int) []types.ChannelSample {
	lo, hi = rb.clamp(lo, hi)
	if lo >= hi {
		return nil
	}
	out := make([]types.ChannelSample, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, rb.sampleAt(i))
	}
	return out
}

func (rb *RingBuffer) clamp(lo, hi int) (int, int) {
	n := rb.timestamps.Len()
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}
