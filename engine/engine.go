// Package engine owns every capture component and runs them under one context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mjasion/balena-home/balkon/capture"
	"github.com/mjasion/balena-home/balkon/config"
	"github.com/mjasion/balena-home/balkon/gap"
	"github.com/mjasion/balena-home/balkon/history"
	"github.com/mjasion/balena-home/balkon/persist"
	"github.com/mjasion/balena-home/balkon/pkg/buffer"
	"github.com/mjasion/balena-home/balkon/pkg/metrics"
	"github.com/mjasion/balena-home/balkon/pkg/types"
	"github.com/mjasion/balena-home/balkon/render"
	"github.com/mjasion/balena-home/balkon/source"
	"github.com/mjasion/balena-home/balkon/status"
	"github.com/mjasion/balena-home/balkon/window"
)

const rolloverSpec = "0 0 * * *"

// Engine is the capture context: buffer, source, persistence, scheduler and renderer
// All mutable state lives here; nothing is kept at package level
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	detector gap.Detector
	started  time.Time
	now      func() time.Time

	settings atomic.Pointer[config.Settings]

	buffer    *buffer.RingBuffer
	source    source.Source
	log       *persist.Log
	queue     *persist.WriteQueue
	loader    *history.Loader
	scheduler *capture.Scheduler
	renderer  *render.Renderer
	sinks     []render.Sink
	pusher    *metrics.Pusher
	health    *status.Server
	process   *status.ProcessStats

	persistErr string
	panicLog   *rate.Limiter

	historyLoaded atomic.Bool
	historyRows   atomic.Int64

	frameMu sync.Mutex
	frame   render.Frame

	shutdownOnce sync.Once
}

// Option configures an Engine
type Option func(*Engine)

// WithSource replaces the source selected by the configuration
func WithSource(src source.Source) Option {
	return func(e *Engine) {
		e.source = src
	}
}

// WithSinks replaces the default frame sinks
func WithSinks(sinks ...render.Sink) Option {
	return func(e *Engine) {
		e.sinks = sinks
	}
}

// WithClock overrides the wall clock used by the tick loop and the daily log
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New builds every component from cfg and the settings file
// A persistence directory that cannot be opened leaves the engine in memory-only mode
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		detector: gap.New(cfg.Capture.GapMultiplier),
		started:  time.Now(),
		now:      time.Now,
		panicLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	n := cfg.Capture.Channels
	settings := config.LoadSettings(cfg.Settings.Path, n, logger)
	e.settings.Store(settings)

	e.buffer = buffer.New(cfg.Capture.BufferCapacity, n, logger)
	logger.Info("ring buffer created",
		zap.Int("capacity", cfg.Capture.BufferCapacity),
		zap.Int("channels", n))

	if e.source == nil {
		kind, err := source.ParseKind(cfg.Source.Kind)
		if err != nil {
			return nil, err
		}
		src, err := source.New(kind, n, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create source: %w", err)
		}
		e.source = src
	}

	if cfg.Persistence.Enabled {
		e.openPersistence()
	}

	e.scheduler = capture.New(capture.Config{
		Channels: n,
		Interval: settings.IntervalDuration(),
		Detector: e.detector,
		Calibrate: func(raw []float64) []float64 {
			return e.settings.Load().Calibrate(raw)
		},
	}, e.source, e.buffer, e.enqueuer(), logger)

	e.renderer = render.New(render.Config{
		LiveBudget:   cfg.Render.LiveBudget,
		ManualBudget: cfg.Render.ManualBudget,
		MinMargin:    cfg.Render.MinMargin,
	}, e.buffer, window.DefaultMapper(), float64(settings.WindowSize), logger)

	if e.sinks == nil {
		e.sinks = []render.Sink{render.LogSink{Logger: logger}}
		if cfg.Render.Preview {
			e.sinks = append(e.sinks, render.NewPreviewSink(os.Stdout, cfg.Render.PreviewWidth, cfg.Render.PreviewEvery))
		}
	}

	if cfg.Prometheus.Enabled {
		e.pusher = metrics.New(metrics.Config{
			URL:               cfg.Prometheus.URL,
			Username:          cfg.Prometheus.Username,
			Password:          cfg.Prometheus.Password,
			PushInterval:      time.Duration(cfg.Prometheus.PushIntervalSeconds) * time.Second,
			BatchSize:         cfg.Prometheus.BatchSize,
			TimeSeriesBuilder: e.seriesBuilder(),
		}, e.buffer, types.TimeToUnix(e.now()), logger)
		logger.Info("prometheus pusher initialized", zap.String("url", cfg.Prometheus.URL))
	}

	if cfg.Health.Enabled {
		e.health = status.NewServer(e, cfg.Health.Port, logger)
	}

	process, err := status.NewProcessStats()
	if err != nil {
		logger.Warn("process statistics unavailable", zap.Error(err))
	}
	e.process = process

	return e, nil
}

func (e *Engine) openPersistence() {
	cfg := e.cfg.Persistence
	n := e.cfg.Capture.Channels

	reader, err := persist.NewReader(n, cfg.CacheFiles, e.logger)
	if err != nil {
		e.logger.Error("failed to create history reader", zap.Error(err))
	} else {
		e.loader = history.NewLoader(history.Config{
			Dir:          cfg.Dir,
			LookbackDays: cfg.LookbackDays,
			Interval:     e.settings.Load().IntervalDuration(),
			Detector:     e.detector,
			Now:          e.now,
		}, reader, e.buffer, e.logger)
	}

	log, err := persist.Open(cfg.Dir, n, e.logger, persist.WithClock(e.now))
	if err != nil {
		e.persistErr = err.Error()
		e.logger.Error("persistence unavailable, running in memory-only mode",
			zap.String("dir", cfg.Dir),
			zap.Error(err))
		return
	}
	e.log = log
	e.queue = persist.NewWriteQueue(log, e.logger)
	e.logger.Info("persistence log opened", zap.String("log_file", log.Path()))
}

// enqueuer keeps a nil queue a nil interface so the scheduler skips persistence
func (e *Engine) enqueuer() capture.Enqueuer {
	if e.queue == nil {
		return nil
	}
	return e.queue
}

func (e *Engine) seriesBuilder() metrics.TimeSeriesBuilder {
	opts := metrics.ChannelSeriesOptions{
		MetricName: e.cfg.Prometheus.MetricName,
		Labels:     map[string]string{"device": e.cfg.Prometheus.Device},
	}
	if e.cfg.Prometheus.Calibrated {
		opts.Value = func(ch int, raw float64) (float64, bool) {
			s := e.settings.Load()
			if ch >= len(s.Channels) {
				return raw, true
			}
			return s.Channels[ch].Apply(raw), true
		}
	}
	return metrics.BuildChannelTimeSeries(opts)
}

// Run connects the source when configured and runs every loop until ctx is done
// It then shuts the engine down and returns the first loop error
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Source.AutoConnect {
		if err := e.Connect(); err != nil {
			e.logger.Error("failed to connect source", zap.Error(err))
		}
	}

	if e.queue != nil {
		go e.queue.Run()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.tickLoop(ctx)
		return nil
	})

	if e.loader != nil {
		g.Go(func() error {
			e.loadHistory(ctx)
			return nil
		})
	}

	if e.log != nil {
		g.Go(func() error {
			return e.runRolloverCron(ctx)
		})
	}

	if e.pusher != nil {
		g.Go(func() error {
			e.pusher.Start(ctx)
			return nil
		})
	}

	if e.health != nil {
		g.Go(func() error {
			e.runHealth(ctx)
			return nil
		})
	}

	if e.cfg.Capture.StatusIntervalSeconds > 0 {
		g.Go(func() error {
			e.statusLoop(ctx, time.Duration(e.cfg.Capture.StatusIntervalSeconds)*time.Second)
			return nil
		})
	}

	err := g.Wait()
	e.Shutdown()
	return err
}

func (e *Engine) tickLoop(ctx context.Context) {
	tick := time.Duration(e.cfg.Capture.TickMillis) * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	e.logger.Info("capture loop started", zap.Duration("tick", tick))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("capture loop stopping")
			return
		case <-ticker.C:
			e.Tick(ctx, e.now())
		}
	}
}

// Tick runs one iteration: rollover check, capture, render and sinks
// A panic inside the tick is logged and swallowed
func (e *Engine) Tick(ctx context.Context, now time.Time) (captured bool) {
	defer func() {
		if r := recover(); r != nil {
			captured = false
			if e.panicLog.Allow() {
				e.logger.Error("recovered from panic in capture tick",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}
	}()

	e.rollover(now)

	captured = e.scheduler.Tick(now)

	settings := e.settings.Load()
	threshold := e.detector.Threshold(settings.IntervalDuration().Seconds())
	frame, ok := e.renderer.Render(settings, threshold)
	if !ok {
		return captured
	}

	e.frameMu.Lock()
	e.frame = frame
	e.frameMu.Unlock()

	for _, sink := range e.sinks {
		if err := sink.Draw(ctx, frame); err != nil {
			e.logger.Warn("frame sink failed", zap.Error(err))
		}
	}
	return captured
}

func (e *Engine) rollover(now time.Time) {
	if e.log == nil {
		return
	}
	rolled, err := e.log.Rollover(now)
	if err != nil {
		e.logger.Error("failed to roll over daily log", zap.Error(err))
		return
	}
	if rolled {
		e.logger.Info("daily log rolled over", zap.String("log_file", e.log.Path()))
	}
}

func (e *Engine) runRolloverCron(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(rolloverSpec, func() {
		e.rollover(e.now())
	}); err != nil {
		return fmt.Errorf("failed to schedule daily rollover: %w", err)
	}
	c.Start()
	e.logger.Debug("daily rollover scheduled", zap.String("spec", rolloverSpec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (e *Engine) loadHistory(ctx context.Context) {
	res := <-e.loader.Start(ctx)
	if res.Err != nil {
		if !errors.Is(res.Err, context.Canceled) {
			e.logger.Warn("history replay failed", zap.Error(res.Err))
		}
		return
	}
	if res.Last != 0 && res.Last <= types.TimeToUnix(e.now()) {
		e.scheduler.Seed(res.Last)
	}
	e.historyRows.Store(int64(res.Accepted))
	e.historyLoaded.Store(true)
}

func (e *Engine) runHealth(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.health.Stop(shutdownCtx); err != nil {
			e.logger.Error("failed to stop health check server", zap.Error(err))
		}
	}()

	if err := e.health.Start(); err != nil {
		e.logger.Error("health check server failed", zap.Error(err))
	}
}

func (e *Engine) statusLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logger.Info("capture status", status.LogFields(e.Status())...)
		}
	}
}

// Shutdown disconnects the source, drains the write queue, closes the log and saves the settings
// Run calls it after its loops stop; later calls do nothing
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(e.shutdown)
}

func (e *Engine) shutdown() {
	e.logger.Info("shutting down capture engine")

	if e.source.Connected() {
		if err := e.source.Disconnect(); err != nil {
			e.logger.Error("failed to disconnect source", zap.Error(err))
		}
	}

	if e.queue != nil {
		timeout := time.Duration(e.cfg.Persistence.DrainTimeoutSeconds) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := e.queue.Close(ctx); err != nil {
			e.logger.Error("write queue did not drain",
				zap.Int("pending", e.queue.Pending()),
				zap.Error(err))
		}
		cancel()
	}

	if e.log != nil {
		if err := e.log.Close(); err != nil {
			e.logger.Error("failed to close daily log", zap.Error(err))
		}
	}

	if e.cfg.Settings.SaveOnExit {
		if err := e.settings.Load().Save(e.cfg.Settings.Path); err != nil {
			e.logger.Error("failed to save settings", zap.Error(err))
		}
	}
}
