// Package status reports engine health as a snapshot, a log line and a JSON endpoint.
package status

import (
	"math"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// staleGrace is added to three capture intervals before a silent source counts as stale
const staleGrace = 5 * time.Second

// Snapshot is a point-in-time view of the engine
type Snapshot struct {
	Status           string     `json:"status"`
	Source           string     `json:"source"`
	Connected        bool       `json:"connected"`
	Running          bool       `json:"running"`
	Interval         string     `json:"interval"`
	IntervalSeconds  float64    `json:"intervalSeconds"`
	LastCapture      time.Time  `json:"lastCapture"`
	Latest           []*float64 `json:"latest"`
	BufferedSamples  int        `json:"bufferedSamples"`
	BufferCapacity   int        `json:"bufferCapacity"`
	Captured         uint64     `json:"captured"`
	GapMarkers       uint64     `json:"gapMarkers"`
	LogFile          string     `json:"logFile,omitempty"`
	PersistenceError string     `json:"persistenceError,omitempty"`
	QueuePending     int        `json:"queuePending"`
	RowsWritten      uint64     `json:"rowsWritten"`
	WriteFailures    uint64     `json:"writeFailures"`
	HistoryLoaded    bool       `json:"historyLoaded"`
	HistoryRows      int        `json:"historyRows"`
	LastPushTime     time.Time  `json:"lastPushTime,omitzero"`
	RSSBytes         uint64     `json:"rssBytes"`
	CPUPercent       float64    `json:"cpuPercent"`
	Uptime           string     `json:"uptime"`
}

// Provider produces snapshots
type Provider interface {
	Status() Snapshot
}

// Evaluate sets Status from the snapshot contents
// A connected, running source that stopped producing is unhealthy; persistence trouble only degrades
func Evaluate(s Snapshot, now time.Time) Snapshot {
	s.Status = Healthy
	if s.PersistenceError != "" || s.WriteFailures > 0 {
		s.Status = Degraded
	}
	if s.Connected && s.Running && !s.LastCapture.IsZero() {
		limit := time.Duration(3*s.IntervalSeconds*float64(time.Second)) + staleGrace
		if now.Sub(s.LastCapture) > limit {
			s.Status = Unhealthy
		}
	}
	return s
}

// Values converts readings for JSON; NaN and infinities become null
func Values(vs []float64) []*float64 {
	if vs == nil {
		return nil
	}
	out := make([]*float64, len(vs))
	for i := range vs {
		if math.IsNaN(vs[i]) || math.IsInf(vs[i], 0) {
			continue
		}
		v := vs[i]
		out[i] = &v
	}
	return out
}

// LogFields renders the snapshot as structured log fields
func LogFields(s Snapshot) []zap.Field {
	return []zap.Field{
		zap.String("status", s.Status),
		zap.String("source", s.Source),
		zap.Bool("connected", s.Connected),
		zap.Bool("running", s.Running),
		zap.String("interval", s.Interval),
		zap.Int("buffered_samples", s.BufferedSamples),
		zap.Uint64("captured", s.Captured),
		zap.Uint64("gap_markers", s.GapMarkers),
		zap.Int("queue_pending", s.QueuePending),
		zap.Uint64("rows_written", s.RowsWritten),
		zap.Uint64("write_failures", s.WriteFailures),
		zap.String("log_file", s.LogFile),
		zap.Uint64("rss_bytes", s.RSSBytes),
		zap.Float64("cpu_percent", s.CPUPercent),
	}
}

// ProcessStats samples resource usage of the running process
type ProcessStats struct {
	proc *process.Process
}

// NewProcessStats attaches to the current process
func NewProcessStats() (*ProcessStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessStats{proc: proc}, nil
}

// Sample returns resident memory in bytes and CPU usage percent since the last call
func (p *ProcessStats) Sample() (rss uint64, cpu float64, err error) {
	mem, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpu, err = p.proc.Percent(0)
	if err != nil {
		return mem.RSS, 0, err
	}
	return mem.RSS, cpu, nil
}
