package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/config"
	"github.com/mjasion/balena-home/balkon/pkg/types"
	"github.com/mjasion/balena-home/balkon/render"
	"github.com/mjasion/balena-home/balkon/status"
	"github.com/mjasion/balena-home/balkon/window"
)

// Settings returns the current display settings; treat the value as read-only
func (e *Engine) Settings() *config.Settings {
	return e.settings.Load()
}

// UpdateSettings publishes a modified copy of the settings
// A changed interval also resets the capture schedule
func (e *Engine) UpdateSettings(fn func(s *config.Settings)) *config.Settings {
	for {
		old := e.settings.Load()
		next := old.Clone()
		fn(next)
		if !e.settings.CompareAndSwap(old, next) {
			continue
		}
		if next.Interval != old.Interval {
			e.scheduler.SetInterval(next.IntervalDuration())
			e.logger.Info("sampling interval changed",
				zap.String("from", old.Interval),
				zap.String("to", next.Interval))
		}
		if next.WindowSize != old.WindowSize {
			e.renderer.SetControl(float64(next.WindowSize))
		}
		return next
	}
}

// SetInterval selects one of the named sampling intervals
func (e *Engine) SetInterval(name string) error {
	if _, ok := config.ParseInterval(name); !ok {
		return fmt.Errorf("unknown interval %q, expected one of %v", name, config.IntervalNames())
	}
	e.UpdateSettings(func(s *config.Settings) {
		s.Interval = name
	})
	return nil
}

// SetWindow sets the zoom control value in [0, 100]
func (e *Engine) SetWindow(control int) {
	control = max(0, min(control, int(window.MaxControl)))
	e.UpdateSettings(func(s *config.Settings) {
		s.WindowSize = control
	})
}

// Pin switches the renderer to a manual window on [min, max] and returns the derived control value
func (e *Engine) Pin(min, max time.Time) float64 {
	return e.renderer.Pin(types.TimeToUnix(min), types.TimeToUnix(max))
}

// Pan moves the manual window so it is centred on center
func (e *Engine) Pan(center time.Time) {
	e.renderer.Pan(types.TimeToUnix(center))
}

// Follow returns the renderer to live mode
func (e *Engine) Follow() {
	e.renderer.Follow()
}

// Connect opens the configured source; the next tick captures immediately
func (e *Engine) Connect() error {
	if e.source.Connected() {
		return nil
	}
	if err := e.source.Connect(e.cfg.Source.Address, e.cfg.Source.BaudRate); err != nil {
		return fmt.Errorf("failed to connect %s: %w", e.source.Name(), err)
	}
	e.scheduler.Reset()
	e.logger.Info("source connected",
		zap.String("source", e.source.Name()),
		zap.String("address", e.cfg.Source.Address))
	return nil
}

// Disconnect closes the source
func (e *Engine) Disconnect() error {
	if err := e.source.Disconnect(); err != nil {
		return err
	}
	e.logger.Info("source disconnected", zap.String("source", e.source.Name()))
	return nil
}

// Pause stops capturing without disconnecting the source
func (e *Engine) Pause() {
	e.scheduler.SetRunning(false)
	e.logger.Info("capture paused")
}

// Resume restarts capturing
func (e *Engine) Resume() {
	e.scheduler.SetRunning(true)
	e.logger.Info("capture resumed")
}

// Frame returns the last rendered frame
func (e *Engine) Frame() render.Frame {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.frame
}

// PersistenceError is non-empty when the engine runs in memory-only mode
func (e *Engine) PersistenceError() string {
	return e.persistErr
}

// Status implements status.Provider
func (e *Engine) Status() status.Snapshot {
	settings := e.settings.Load()
	stats := e.scheduler.Stats()

	s := status.Snapshot{
		Source:           e.source.Name(),
		Connected:        e.source.Connected(),
		Running:          e.scheduler.Running(),
		Interval:         settings.Interval,
		IntervalSeconds:  e.scheduler.Interval().Seconds(),
		Latest:           status.Values(e.scheduler.Latest()),
		BufferedSamples:  e.buffer.Len(),
		BufferCapacity:   e.buffer.Capacity(),
		Captured:         stats.Captured,
		GapMarkers:       stats.Markers,
		PersistenceError: e.persistErr,
		HistoryLoaded:    e.historyLoaded.Load(),
		HistoryRows:      int(e.historyRows.Load()),
		Uptime:           time.Since(e.started).Round(time.Second).String(),
	}

	if last := e.scheduler.LastCapture(); last != 0 {
		s.LastCapture = types.UnixToTime(last)
	}
	if e.log != nil {
		s.LogFile = e.log.Path()
	}
	if e.queue != nil {
		s.QueuePending = e.queue.Pending()
		s.RowsWritten = e.queue.Written()
		s.WriteFailures = e.queue.Failed()
	}
	if e.pusher != nil {
		s.LastPushTime = e.pusher.LastPushTime()
	}
	if e.process != nil {
		if rss, cpu, err := e.process.Sample(); err == nil {
			s.RSSBytes = rss
			s.CPUPercent = cpu
		}
	}

	return status.Evaluate(s, e.now())
}
