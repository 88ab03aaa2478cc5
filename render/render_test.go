package render

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/config"
	"github.com/mjasion/balena-home/balkon/pkg/buffer"
	"github.com/mjasion/balena-home/balkon/pkg/types"
	"github.com/mjasion/balena-home/balkon/window"
)

func filledBuffer(n int) *buffer.RingBuffer {
	buf := buffer.New(10000, 2, zap.NewNop())
	for i := 0; i < n; i++ {
		buf.Append(types.ChannelSample{Timestamp: float64(i), Values: []float64{float64(i), 1}})
	}
	return buf
}

func newRenderer(buf *buffer.RingBuffer, control float64) *Renderer {
	return New(Config{LiveBudget: 1500, ManualBudget: 4000, MinMargin: 200}, buf, window.DefaultMapper(), control, zap.NewNop())
}

func TestRender_EmptyBuffer(t *testing.T) {
	r := newRenderer(buffer.New(10, 2, zap.NewNop()), 0)
	_, ok := r.Render(config.DefaultSettings(2), 20)
	assert.False(t, ok)
}

func TestRender_LiveWindowFollowsLatest(t *testing.T) {
	r := newRenderer(filledBuffer(300), 0)

	frame, ok := r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)

	assert.Equal(t, window.Live, frame.Mode)
	assert.Equal(t, 61, frame.Points())
	assert.Equal(t, 239.0, frame.Timestamps[0])
	assert.Equal(t, 299.0, frame.Latest)
	assert.InDelta(t, 60, frame.Window, 1e-9)
}

func TestRender_LiveBudget(t *testing.T) {
	r := newRenderer(filledBuffer(3000), 100)

	frame, ok := r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)

	assert.Equal(t, 3000, frame.Source)
	assert.LessOrEqual(t, frame.Points(), 1500)
	assert.Equal(t, 0, frame.Markers)
}

func TestRender_CalibratesActiveChannelsOnly(t *testing.T) {
	settings := config.DefaultSettings(2)
	settings.Channels[0] = config.ChannelSettings{Active: true, Factor: 2, Offset: 1}
	settings.Channels[1].Active = false

	r := newRenderer(filledBuffer(10), 0)
	frame, ok := r.Render(settings, 20)
	require.True(t, ok)

	require.Len(t, frame.Series, 1)
	assert.Equal(t, 1, frame.Series[0].Channel)
	assert.Equal(t, 19.0, frame.Series[0].Values[9])
	assert.Equal(t, -0.5, frame.YMin)
}

func TestRender_GapBreaksStayNaN(t *testing.T) {
	buf := buffer.New(100, 2, zap.NewNop())
	buf.Append(
		types.ChannelSample{Timestamp: 0, Values: []float64{1, 1}},
		types.ChannelSample{Timestamp: 1, Values: []float64{1, 1}},
		types.NewGapMarker(49.5, 2),
		types.ChannelSample{Timestamp: 50, Values: []float64{1, 1}},
	)

	frame, ok := newRenderer(buf, 0).Render(config.DefaultSettings(2), 20)
	require.True(t, ok)

	assert.Equal(t, 1, frame.Markers)
	assert.True(t, math.IsNaN(frame.Series[0].Values[2]))
}

func TestRender_ManualRangeAddsMarginAndCaches(t *testing.T) {
	buf := filledBuffer(3000)
	r := newRenderer(buf, 0)

	control := r.Pin(1000, 1100)
	assert.Equal(t, window.Manual, r.Viewport().Mode)
	assert.Equal(t, float64(window.DefaultMapper().SecondsToSlider(100)), control)

	frame, ok := r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)
	assert.Equal(t, 101+2*200, frame.Source)
	assert.Equal(t, 800.0, frame.Timestamps[0])

	cached := r.cache.samples
	r.Pin(1010, 1090)
	_, ok = r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)
	assert.Same(t, &cached[0], &r.cache.samples[0], "range inside the cached margin is reused")

	buf.Append(types.ChannelSample{Timestamp: 3000, Values: []float64{0, 0}})
	_, ok = r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)
	assert.NotSame(t, &cached[0], &r.cache.samples[0], "buffer change invalidates the cache")

	r.Follow()
	frame, ok = r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)
	assert.Equal(t, window.Live, frame.Mode)
	assert.Equal(t, 3000.0, frame.Latest)
}

func TestRender_PanKeepsWidth(t *testing.T) {
	r := newRenderer(filledBuffer(500), 0)
	r.Pan(250)

	frame, ok := r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)
	assert.Equal(t, window.Manual, frame.Mode)
	assert.InDelta(t, 220, frame.Min, 1e-9)
	assert.InDelta(t, 280, frame.Max, 1e-9)
}

func TestRender_ZoomResizesManualViewAroundCentre(t *testing.T) {
	r := newRenderer(filledBuffer(5000), 0)
	r.Pin(1000, 4600)

	r.SetControl(0)
	frame, ok := r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)
	assert.Equal(t, window.Manual, frame.Mode)
	assert.InDelta(t, 60, frame.Window, 1e-9)
	assert.InDelta(t, 2800, (frame.Min+frame.Max)/2, 1e-9)
}

// backfillingHistory prepends older samples the first time the renderer copies a range
type backfillingHistory struct {
	*buffer.RingBuffer
	older []types.ChannelSample
	done  bool
}

func (h *backfillingHistory) Slice(lo, hi int) []types.ChannelSample {
	if !h.done {
		h.done = true
		h.Backfill(h.older)
	}
	return h.RingBuffer.Slice(lo, hi)
}

func TestRender_LiveRangeRetriesAfterBackfill(t *testing.T) {
	buf := buffer.New(10000, 2, zap.NewNop())
	for i := 1000; i <= 1100; i++ {
		buf.Append(types.ChannelSample{Timestamp: float64(i), Values: []float64{1, 1}})
	}
	var older []types.ChannelSample
	for i := 0; i < 500; i++ {
		older = append(older, types.ChannelSample{Timestamp: float64(i), Values: []float64{0, 0}})
	}
	h := &backfillingHistory{RingBuffer: buf, older: older}

	r := New(Config{LiveBudget: 1500, ManualBudget: 4000, MinMargin: 200}, h, window.DefaultMapper(), 0, zap.NewNop())
	frame, ok := r.Render(config.DefaultSettings(2), 20)
	require.True(t, ok)

	require.True(t, h.done)
	assert.Equal(t, 61, frame.Points())
	assert.Equal(t, 1040.0, frame.Timestamps[0])
	assert.Equal(t, 1100.0, frame.Timestamps[len(frame.Timestamps)-1])
}

func TestSparkline(t *testing.T) {
	line := Sparkline([]float64{0, 4, math.NaN(), 2}, 4, 0, 4, "#ffffff")
	plain := []rune(stripANSI(line))
	require.Len(t, plain, 4)
	assert.Equal(t, '▁', plain[0])
	assert.Equal(t, '█', plain[1])
	assert.Equal(t, ' ', plain[2])
	assert.Equal(t, '▄', plain[3])

	assert.Equal(t, "   ", Sparkline(nil, 3, 0, 1, "#ffffff"))
}

func TestPreviewSink_Throttles(t *testing.T) {
	var out bytes.Buffer
	sink := NewPreviewSink(&out, 10, 2)
	frame := Frame{Series: []Series{{Channel: 1, Values: []float64{1, 2, 3}}}, YMin: 0, YMax: 4}

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Draw(context.Background(), frame))
	}
	assert.Equal(t, 2, strings.Count(stripANSI(out.String()), "Ch 1"))
	assert.Contains(t, out.String(), "3.000")
}

func stripANSI(s string) string {
	var sb strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'):
			inEscape = false
		case !inEscape:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
