package render

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

// Sink consumes rendered frames
type Sink interface {
	Draw(ctx context.Context, f Frame) error
}

// LogSink logs a summary of each frame at debug level
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Draw(_ context.Context, f Frame) error {
	s.Logger.Debug("frame rendered",
		zap.Stringer("mode", f.Mode),
		zap.Float64("window_seconds", f.Window),
		zap.Int("source_points", f.Source),
		zap.Int("rendered_points", f.Points()),
		zap.Int("gap_markers", f.Markers),
		zap.Int("series", len(f.Series)))
	return nil
}

var sparkBlocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// channelColors follow the plot palette of the desktop viewer
var channelColors = []lipgloss.Color{"#2980b9", "#27ae60", "#c0392b", "#16a085", "#8e44ad", "#f39c12", "#2c3e50", "#d35400"}

// PreviewSink prints one coloured sparkline per active channel every Every frames
type PreviewSink struct {
	Out   io.Writer
	Width int
	Every int

	frames int
}

// NewPreviewSink creates a terminal preview
func NewPreviewSink(out io.Writer, width, every int) *PreviewSink {
	if width < 8 {
		width = 8
	}
	if every < 1 {
		every = 1
	}
	return &PreviewSink{Out: out, Width: width, Every: every}
}

func (p *PreviewSink) Draw(_ context.Context, f Frame) error {
	p.frames++
	if (p.frames-1)%p.Every != 0 {
		return nil
	}

	label := lipgloss.NewStyle().Bold(true)
	lines := make([]string, 0, len(f.Series)+1)
	lines = append(lines, label.Render(fmt.Sprintf("%s window %.0fs, %d points, %d gaps", f.Mode, f.Window, f.Points(), f.Markers)))
	for _, s := range f.Series {
		color := channelColors[(s.Channel-1)%len(channelColors)]
		name := lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("Ch %d", s.Channel))
		lines = append(lines, name+" "+Sparkline(s.Values, p.Width, f.YMin, f.YMax, color)+" "+lastValue(s.Values))
	}

	_, err := io.WriteString(p.Out, lipgloss.JoinVertical(lipgloss.Left, lines...)+"\n")
	return err
}

// Sparkline scales values between lo and hi into width block characters
// Values are bucketed by position; a bucket holding only NaN renders as a space
func Sparkline(values []float64, width int, lo, hi float64, color lipgloss.Color) string {
	if width <= 0 {
		return ""
	}
	if len(values) == 0 {
		return strings.Repeat(" ", width)
	}

	span := hi - lo
	var sb strings.Builder
	for col := 0; col < width; col++ {
		from := col * len(values) / width
		to := (col + 1) * len(values) / width
		if to <= from {
			to = from + 1
		}
		if from >= len(values) {
			sb.WriteRune(' ')
			continue
		}

		sum, n := 0.0, 0
		for _, v := range values[from:min(to, len(values))] {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n == 0 {
			sb.WriteRune(' ')
			continue
		}

		idx := 0
		if span > 0 {
			idx = int((sum/float64(n) - lo) / span * 7)
		}
		idx = max(0, min(7, idx))
		sb.WriteRune(sparkBlocks[idx])
	}

	return lipgloss.NewStyle().Foreground(color).Render(sb.String())
}

func lastValue(values []float64) string {
	for i := len(values) - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			return fmt.Sprintf("%.3f", values[i])
		}
	}
	return "-"
}
