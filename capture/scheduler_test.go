package capture

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/gap"
	"github.com/mjasion/balena-home/balkon/pkg/buffer"
	"github.com/mjasion/balena-home/balkon/pkg/types"
)

type fakeSource struct {
	connected bool
	data      []float64
}

func (f *fakeSource) Connect(string, int) error {
	f.connected = true
	return nil
}

func (f *fakeSource) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeSource) Connected() bool    { return f.connected }
func (f *fakeSource) GetData() []float64 { return f.data }
func (f *fakeSource) Name() string       { return "fake" }

type recordingQueue struct {
	samples []types.ChannelSample
	closed  bool
}

func (q *recordingQueue) Enqueue(s types.ChannelSample) bool {
	if q.closed {
		return false
	}
	q.samples = append(q.samples, s)
	return true
}

func newScheduler(src *fakeSource, q Enqueuer) (*Scheduler, *buffer.RingBuffer) {
	buf := buffer.New(100, 3, zap.NewNop())
	s := New(Config{
		Channels: 3,
		Interval: time.Second,
		Detector: gap.New(gap.DefaultMultiplier),
	}, src, buf, q, zap.NewNop())
	return s, buf
}

func at(sec float64) time.Time {
	return types.UnixToTime(1_700_000_000 + sec)
}

func TestTick_RespectsInterval(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 2, 3}}
	q := &recordingQueue{}
	s, buf := newScheduler(src, q)

	assert.True(t, s.Tick(at(0)))
	assert.False(t, s.Tick(at(0.2)))
	assert.False(t, s.Tick(at(0.8)))
	assert.True(t, s.Tick(at(1.0)))

	assert.Equal(t, 2, buf.Len())
	assert.Len(t, q.samples, 2)
	assert.Equal(t, types.TimeToUnix(at(1)), s.LastCapture())
}

func TestTick_ZeroFillsAndTruncates(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{7}}
	s, buf := newScheduler(src, nil)

	require.True(t, s.Tick(at(0)))
	latest, _ := buf.Latest()
	assert.Equal(t, []float64{7, 0, 0}, latest.Values)

	src.data = []float64{1, 2, 3, 4, 5}
	require.True(t, s.Tick(at(1)))
	latest, _ = buf.Latest()
	assert.Equal(t, []float64{1, 2, 3}, latest.Values)
}

func TestTick_InsertsLiveGapMarker(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 1, 1}}
	q := &recordingQueue{}
	s, buf := newScheduler(src, q)

	require.True(t, s.Tick(at(0)))
	require.True(t, s.Tick(at(25)))

	items := buf.Snapshot()
	require.Len(t, items, 3)
	assert.True(t, items[1].IsGap())
	assert.InDelta(t, types.TimeToUnix(at(24.5)), items[1].Timestamp, 1e-6)
	assert.Len(t, q.samples, 2, "markers are never persisted")
	assert.Equal(t, uint64(1), s.Stats().Markers)
}

func TestTick_NoGapCheckAfterReset(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 1, 1}}
	s, buf := newScheduler(src, nil)

	require.True(t, s.Tick(at(0)))
	s.Reset()
	require.True(t, s.Tick(at(100)))

	for _, item := range buf.Snapshot() {
		assert.False(t, item.IsGap())
	}
}

func TestSeed_ChecksFirstCaptureAgainstHistory(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 1, 1}}
	s, buf := newScheduler(src, nil)

	s.Seed(types.TimeToUnix(at(-60)))
	require.True(t, s.Tick(at(0)))

	items := buf.Snapshot()
	require.Len(t, items, 2)
	assert.True(t, items[0].IsGap())
	assert.InDelta(t, types.TimeToUnix(at(-0.5)), items[0].Timestamp, 1e-6)
	assert.Equal(t, uint64(1), s.Stats().Markers)
}

func TestSeed_KeepsExistingCapture(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 1, 1}}
	s, _ := newScheduler(src, nil)

	require.True(t, s.Tick(at(0)))
	s.Seed(types.TimeToUnix(at(-60)))
	assert.Equal(t, types.TimeToUnix(at(0)), s.LastCapture())
}

func TestSetInterval_ForcesImmediateCapture(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 1, 1}}
	s, buf := newScheduler(src, nil)

	require.True(t, s.Tick(at(0)))
	s.SetInterval(10 * time.Second)
	assert.Equal(t, float64(0), s.LastCapture())
	assert.True(t, s.Tick(at(0.2)))
	assert.False(t, s.Tick(at(5)))
	assert.True(t, s.Tick(at(10.5)))
	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, 10*time.Second, s.Interval())
}

func TestTick_SkipsWhenPausedDisconnectedOrNoData(t *testing.T) {
	src := &fakeSource{connected: false, data: []float64{1, 1, 1}}
	s, buf := newScheduler(src, nil)

	assert.False(t, s.Tick(at(0)))

	src.connected = true
	s.SetRunning(false)
	assert.False(t, s.Tick(at(1)))

	s.SetRunning(true)
	src.data = nil
	assert.False(t, s.Tick(at(2)))

	assert.Equal(t, 0, buf.Len())
}

func TestTick_CountsDroppedWhenQueueClosed(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 1, 1}}
	q := &recordingQueue{closed: true}
	s, buf := newScheduler(src, q)

	require.True(t, s.Tick(at(0)))
	assert.Equal(t, 1, buf.Len())
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestLatest_AppliesCalibration(t *testing.T) {
	src := &fakeSource{connected: true, data: []float64{1, 2, math.NaN()}}
	buf := buffer.New(10, 3, zap.NewNop())
	s := New(Config{
		Channels: 3,
		Interval: time.Second,
		Detector: gap.New(gap.DefaultMultiplier),
		Calibrate: func(raw []float64) []float64 {
			out := make([]float64, len(raw))
			for i, v := range raw {
				out[i] = v*2 + 1
			}
			return out
		},
	}, src, buf, nil, zap.NewNop())

	assert.Nil(t, s.Latest())
	require.True(t, s.Tick(at(0)))

	latest := s.Latest()
	assert.Equal(t, 3.0, latest[0])
	assert.Equal(t, 5.0, latest[1])

	stored, _ := buf.Latest()
	assert.Equal(t, 1.0, stored.Values[0], "raw values are stored unchanged")
}
