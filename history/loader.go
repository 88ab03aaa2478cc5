// Package history replays recently persisted samples into the in-memory buffer at startup.
package history

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/gap"
	"github.com/mjasion/balena-home/balkon/persist"
	"github.com/mjasion/balena-home/balkon/pkg/telemetry"
	"github.com/mjasion/balena-home/balkon/pkg/types"
)

// Target receives replayed samples
// BackfillJoin places the sample join returns between the replayed and the buffered samples
type Target interface {
	BackfillJoin(samples []types.ChannelSample, join func(prev, next types.ChannelSample) (types.ChannelSample, bool)) int
	Channels() int
}

// Result summarises one replay
type Result struct {
	Files     int
	Rows      int
	Markers   int
	Skipped   int
	Accepted  int
	Malformed int
	// Last is the newest replayed timestamp, 0 when nothing was replayed
	Last float64
	Err  error
}

// Loader reads the last LookbackDays of daily logs
type Loader struct {
	dir          string
	lookbackDays int
	interval     time.Duration
	detector     gap.Detector
	reader       *persist.Reader
	target       Target
	logger       *zap.Logger
	now          func() time.Time
}

// Config configures a Loader
type Config struct {
	Dir          string
	LookbackDays int
	Interval     time.Duration
	Detector     gap.Detector
	// Now picks the day the lookback counts from; defaults to time.Now
	Now func() time.Time
}

// NewLoader creates a loader merging into target
func NewLoader(cfg Config, reader *persist.Reader, target Target, logger *zap.Logger) *Loader {
	lookback := cfg.LookbackDays
	if lookback < 0 {
		lookback = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loader{
		dir:          cfg.Dir,
		lookbackDays: lookback,
		interval:     cfg.Interval,
		detector:     cfg.Detector,
		reader:       reader,
		target:       target,
		logger:       logger,
		now:          now,
	}
}

// Start runs Load in its own goroutine; the channel yields the result once and is then closed
func (l *Loader) Start(ctx context.Context) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		defer close(done)
		res, err := l.Load(ctx)
		res.Err = err
		done <- res
	}()
	return done
}

// Load parses the selected files in date order, synthesises replay gap markers
// and backfills everything in one call
func (l *Loader) Load(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("history").Start(ctx, "history.Load")
	defer span.End()

	var res Result

	files, err := persist.ListFiles(l.dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list log files")
		return res, fmt.Errorf("failed to list history files: %w", err)
	}

	now := l.now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -l.lookbackDays)

	var (
		merged   []types.ChannelSample
		prev     float64
		havePrev bool
		n        = l.target.Channels()
		interval = l.interval.Seconds()
	)

	for _, f := range files {
		if f.Date.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		samples, stats, err := l.reader.ReadFile(f)
		if err != nil {
			telemetry.WithTrace(ctx, l.logger).Warn("skipping history file",
				zap.String("log_file", f.Path),
				zap.Error(err))
			continue
		}
		res.Files++
		res.Malformed += stats.Malformed

		for _, s := range samples {
			if havePrev && s.Timestamp < prev {
				res.Skipped++
				continue
			}
			if havePrev {
				if marker, ok := l.detector.Replay(prev, s.Timestamp, interval, n); ok {
					merged = append(merged, marker)
					res.Markers++
				}
			}
			merged = append(merged, types.NewSample(s.Timestamp, s.Values, n))
			prev, havePrev = s.Timestamp, true
			res.Rows++
		}
	}

	joined := false
	res.Accepted = l.target.BackfillJoin(merged, func(replayed, live types.ChannelSample) (types.ChannelSample, bool) {
		if replayed.IsGap() || live.IsGap() {
			return types.ChannelSample{}, false
		}
		marker, ok := l.detector.Replay(replayed.Timestamp, live.Timestamp, interval, n)
		joined = ok
		return marker, ok
	})
	if joined {
		res.Markers++
	}
	if havePrev {
		res.Last = prev
	}

	span.SetAttributes(
		attribute.Int("history.files", res.Files),
		attribute.Int("history.rows", res.Rows),
		attribute.Int("history.markers", res.Markers),
		attribute.Int("history.accepted", res.Accepted),
	)
	span.SetStatus(codes.Ok, "history loaded")

	telemetry.WithTrace(ctx, l.logger).Info("history loaded",
		zap.Int("files", res.Files),
		zap.Int("sample_count", res.Rows),
		zap.Int("gap_markers", res.Markers),
		zap.Int("skipped_rows", res.Skipped),
		zap.Int("malformed_rows", res.Malformed),
		zap.Int("accepted", res.Accepted))

	return res, nil
}
