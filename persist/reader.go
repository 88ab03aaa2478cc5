package persist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/pkg/types"
)

// FileStats counts what a file parse produced
type FileStats struct {
	Rows      int
	Malformed int
}

type cachedFile struct {
	size    int64
	modTime time.Time
	samples []types.ChannelSample
	stats   FileStats
}

// Reader parses persisted files, caching past days whose files no longer change
type Reader struct {
	channels int
	cache    *lru.Cache
	now      func() time.Time
	logger   *zap.Logger
}

// NewReader creates a Reader caching up to cacheFiles parsed files
func NewReader(channels, cacheFiles int, logger *zap.Logger) (*Reader, error) {
	if cacheFiles < 1 {
		cacheFiles = 1
	}
	cache, err := lru.New(cacheFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to create file cache: %w", err)
	}
	return &Reader{
		channels: channels,
		cache:    cache,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// ReadFile parses every valid row of f; comment, header and malformed lines are skipped
func (r *Reader) ReadFile(f DailyFile) ([]types.ChannelSample, FileStats, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, FileStats{}, fmt.Errorf("failed to stat %s: %w", f.Path, err)
	}

	cacheable := f.Date.Before(dayOf(r.now()))
	if cacheable {
		if v, ok := r.cache.Get(f.Path); ok {
			c := v.(*cachedFile)
			if c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
				return c.samples, c.stats, nil
			}
		}
	}

	samples, stats, err := r.parse(f.Path)
	if err != nil {
		return nil, stats, err
	}

	if cacheable {
		r.cache.Add(f.Path, &cachedFile{
			size:    info.Size(),
			modTime: info.ModTime(),
			samples: samples,
			stats:   stats,
		})
	}
	return samples, stats, nil
}

// ReadRange returns persisted samples with from <= ts <= to
// Files are selected by the date in their name, then rows by timestamp
func (r *Reader) ReadRange(dir string, from, to time.Time) ([]types.ChannelSample, error) {
	files, err := FilesBetween(dir, from, to)
	if err != nil {
		return nil, err
	}

	start, end := types.TimeToUnix(from), types.TimeToUnix(to)
	var out []types.ChannelSample
	for _, f := range files {
		samples, _, err := r.ReadFile(f)
		if err != nil {
			r.logger.Warn("skipping unreadable log file",
				zap.String("log_file", f.Path),
				zap.Error(err))
			continue
		}
		for _, s := range samples {
			if s.Timestamp >= start && s.Timestamp <= end {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (r *Reader) parse(path string) ([]types.ChannelSample, FileStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, FileStats{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var (
		samples []types.ChannelSample
		stats   FileStats
	)
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return samples, stats, fmt.Errorf("failed to read %s: %w", path, err)
			}
			stats.Malformed++
			continue
		}

		s, err := ParseRecord(record, r.channels)
		if err != nil {
			if !IsSkippable(err) {
				stats.Malformed++
			}
			continue
		}
		samples = append(samples, s)
		stats.Rows++
	}
	return samples, stats, nil
}
