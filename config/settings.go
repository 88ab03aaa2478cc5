package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
)

const (
	DefaultWindowSize     = 50
	DefaultYMin           = -0.5
	DefaultYMax           = 4.5
	DefaultInterval       = "1s"
	defaultActiveChannels = 3
)

// intervalNames keeps the selectable sampling intervals in display order
var intervalNames = []string{"1s", "3s", "5s", "10s", "30s", "1min", "2min", "5min", "10min"}

var intervals = map[string]time.Duration{
	"1s":    time.Second,
	"3s":    3 * time.Second,
	"5s":    5 * time.Second,
	"10s":   10 * time.Second,
	"30s":   30 * time.Second,
	"1min":  time.Minute,
	"2min":  2 * time.Minute,
	"5min":  5 * time.Minute,
	"10min": 10 * time.Minute,
}

// IntervalNames returns the selectable sampling intervals
func IntervalNames() []string {
	out := make([]string, len(intervalNames))
	copy(out, intervalNames)
	return out
}

// ParseInterval resolves a sampling interval name such as "30s" or "2min"
func ParseInterval(name string) (time.Duration, bool) {
	d, ok := intervals[name]
	return d, ok
}

// ChannelSettings calibrates one channel; raw values are never changed
type ChannelSettings struct {
	Active bool
	Factor float64
	Offset float64
}

// Apply returns the display value raw*factor + offset
func (c ChannelSettings) Apply(raw float64) float64 {
	return raw*c.Factor + c.Offset
}

// Settings are the display settings edited by the operator
// A Settings value is treated as immutable once published; use Clone before changing it
type Settings struct {
	WindowSize int
	YMin       float64
	YMax       float64
	Interval   string
	Channels   []ChannelSettings
}

// DefaultSettings returns the settings used when no file exists
func DefaultSettings(channels int) *Settings {
	s := &Settings{
		WindowSize: DefaultWindowSize,
		YMin:       DefaultYMin,
		YMax:       DefaultYMax,
		Interval:   DefaultInterval,
		Channels:   make([]ChannelSettings, channels),
	}
	for i := range s.Channels {
		s.Channels[i] = ChannelSettings{Active: i < defaultActiveChannels, Factor: 1}
	}
	return s
}

// Clone returns a deep copy
func (s *Settings) Clone() *Settings {
	c := *s
	c.Channels = make([]ChannelSettings, len(s.Channels))
	copy(c.Channels, s.Channels)
	return &c
}

// IntervalDuration returns the sampling interval, falling back to one second
func (s *Settings) IntervalDuration() time.Duration {
	if d, ok := ParseInterval(s.Interval); ok {
		return d
	}
	return time.Second
}

// Calibrate applies every channel's factor and offset to raw
func (s *Settings) Calibrate(raw []float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		if i < len(s.Channels) {
			out[i] = s.Channels[i].Apply(v)
		} else {
			out[i] = v
		}
	}
	return out
}

// ActiveChannels returns the 0-based indices of active channels
func (s *Settings) ActiveChannels() []int {
	var out []int
	for i, c := range s.Channels {
		if c.Active {
			out = append(out, i)
		}
	}
	return out
}

// settingsFile is the on-disk TOML shape; pointers tell omitted keys from zero values
type settingsFile struct {
	Graph    graphFile              `toml:"graph"`
	Channels map[string]channelFile `toml:"channel"`
}

type graphFile struct {
	WindowSize *int     `toml:"window_size"`
	YMin       *float64 `toml:"y_min"`
	YMax       *float64 `toml:"y_max"`
	Interval   *string  `toml:"interval"`
}

type channelFile struct {
	Active *bool    `toml:"active"`
	Factor *float64 `toml:"factor"`
	Offset *float64 `toml:"offset"`
}

// LoadSettings reads the settings file; a missing or malformed file yields defaults
// and invalid individual values fall back to their defaults
func LoadSettings(path string, channels int, logger *zap.Logger) *Settings {
	s := DefaultSettings(channels)

	var f settingsFile
	if err := cleanenv.ReadConfig(path, &f); err != nil {
		logger.Debug("using default settings",
			zap.String("settings_path", path),
			zap.Error(err))
		return s
	}

	if v := f.Graph.WindowSize; v != nil && *v >= 0 && *v <= 100 {
		s.WindowSize = *v
	}
	if f.Graph.YMin != nil && f.Graph.YMax != nil && *f.Graph.YMin < *f.Graph.YMax {
		s.YMin, s.YMax = *f.Graph.YMin, *f.Graph.YMax
	}
	if v := f.Graph.Interval; v != nil {
		if _, ok := ParseInterval(*v); ok {
			s.Interval = *v
		}
	}

	for key, ch := range f.Channels {
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 || n > channels {
			continue
		}
		c := &s.Channels[n-1]
		if ch.Active != nil {
			c.Active = *ch.Active
		}
		if ch.Factor != nil {
			c.Factor = *ch.Factor
		}
		if ch.Offset != nil {
			c.Offset = *ch.Offset
		}
	}

	logger.Debug("settings loaded",
		zap.String("settings_path", path),
		zap.String("interval", s.Interval),
		zap.Ints("active_channels", s.ActiveChannels()))
	return s
}

// Save writes the settings as TOML, replacing the file atomically
func (s *Settings) Save(path string) error {
	f := settingsFile{
		Graph: graphFile{
			WindowSize: &s.WindowSize,
			YMin:       &s.YMin,
			YMax:       &s.YMax,
			Interval:   &s.Interval,
		},
		Channels: make(map[string]channelFile, len(s.Channels)),
	}
	for i := range s.Channels {
		c := s.Channels[i]
		f.Channels[strconv.Itoa(i+1)] = channelFile{Active: &c.Active, Factor: &c.Factor, Offset: &c.Offset}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace settings file %s: %w", path, err)
	}
	return nil
}
