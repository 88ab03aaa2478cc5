package persist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/pkg/types"
)

// ErrClosed is returned when appending to a closed log
var ErrClosed = errors.New("persistence log is closed")

// Log is the append-only daily log
// One mutex covers open, close, rollover and write so a rollover never races a write on the same handle
type Log struct {
	dir      string
	channels int
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	date   string
	path   string
	closed bool
}

// Option configures a Log
type Option func(*Log)

// WithClock overrides the wall clock used to pick the daily file
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// Open creates dir if needed and opens the file for today's date
func Open(dir string, channels int, logger *zap.Logger, opts ...Option) (*Log, error) {
	l := &Log{
		dir:      dir,
		channels: channels,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openLocked(l.now()); err != nil {
		return nil, err
	}
	return l, nil
}

// Append writes one sample, rolling over first when the local date changed
func (l *Log) Append(s types.ChannelSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if _, err := l.rolloverLocked(l.now()); err != nil {
		return err
	}

	if err := l.writer.Write(FormatRow(s, l.channels)); err != nil {
		return fmt.Errorf("failed to write row to %s: %w", l.path, err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush row to %s: %w", l.path, err)
	}
	return nil
}

// Rollover switches to the file for now's date when it differs from the open one
func (l *Log) Rollover(now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrClosed
	}
	return l.rolloverLocked(now)
}

// Close flushes and closes the current file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeLocked()
}

// Path returns the path of the open file
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Date returns the date of the open file as YYYY-MM-DD
func (l *Log) Date() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.date
}

// Dir returns the log directory
func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) rolloverLocked(now time.Time) (bool, error) {
	if now.Format(dateLayout) == l.date && l.file != nil {
		return false, nil
	}

	previous := l.path
	if err := l.closeLocked(); err != nil {
		l.logger.Warn("failed to close log file on rollover",
			zap.String("log_file", previous),
			zap.Error(err))
	}
	if err := l.openLocked(now); err != nil {
		return false, err
	}

	l.logger.Info("daily log rolled over",
		zap.String("previous_file", previous),
		zap.String("log_file", l.path))
	return true, nil
}

func (l *Log) openLocked(now time.Time) error {
	path := filepath.Join(l.dir, FileName(now))

	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if !existed {
		date := now.Format(dateLayout)
		if err := w.WriteAll([][]string{MarkerRecord(date), HeaderRecord(l.channels)}); err != nil {
			f.Close()
			return fmt.Errorf("failed to write header to %s: %w", path, err)
		}
	}

	l.file = f
	l.writer = w
	l.path = path
	l.date = now.Format(dateLayout)

	l.logger.Info("daily log opened",
		zap.String("log_file", path),
		zap.Bool("new_file", !existed))
	return nil
}

func (l *Log) closeLocked() error {
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	flushErr := l.writer.Error()
	closeErr := l.file.Close()
	l.file = nil
	l.writer = nil
	return errors.Join(flushErr, closeErr)
}
