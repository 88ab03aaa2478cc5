package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/balkon/pkg/types"
)

const maxAttempts = 3

// SampleSource yields captured samples newer than a timestamp
type SampleSource interface {
	After(ts float64) []types.ChannelSample
}

// Pusher mirrors captured samples to a Prometheus remote_write endpoint
// It keeps a cursor at the newest pushed timestamp and reads the buffer without draining it
type Pusher struct {
	url          string
	username     string
	password     string
	client       *http.Client
	logger       *zap.Logger
	source       SampleSource
	pushInterval time.Duration
	batchSize    int
	backoff      time.Duration
	tsBuilder    TimeSeriesBuilder

	mu       sync.Mutex
	lastPush time.Time
	cursor   float64
	pushed   uint64
}

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL               string
	Username          string
	Password          string
	PushInterval      time.Duration
	BatchSize         int
	TimeSeriesBuilder TimeSeriesBuilder
}

// New creates a pusher with OpenTelemetry instrumentation
// Samples at or before since are never pushed
func New(cfg Config, source SampleSource, since float64, logger *zap.Logger) *Pusher {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 500
	}
	interval := cfg.PushInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Pusher{
		url:          cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		client:       httpClient,
		logger:       logger,
		source:       source,
		pushInterval: interval,
		batchSize:    batchSize,
		backoff:      time.Second,
		tsBuilder:    cfg.TimeSeriesBuilder,
		cursor:       since,
	}
}

// Start pushes new samples every push interval until ctx is done
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.String("url", p.url),
		zap.Duration("push_interval", p.pushInterval),
		zap.Int("batch_size", p.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping")
			return
		case <-ticker.C:
			p.PushPending(ctx)
		}
	}
}

// PushPending pushes every sample newer than the cursor in batches
// A failed batch stops the round; the cursor stays before it so the next round retries
func (p *Pusher) PushPending(ctx context.Context) int {
	samples := p.source.After(p.Cursor())
	if len(samples) == 0 {
		p.logger.Debug("no samples to push")
		return 0
	}

	sent := 0
	totalBatches := (len(samples) + p.batchSize - 1) / p.batchSize
	for batchNum := 0; batchNum < totalBatches; batchNum++ {
		start := batchNum * p.batchSize
		end := min(start+p.batchSize, len(samples))
		batch := samples[start:end]

		if err := p.Push(ctx, batch); err != nil {
			p.logger.Error("failed to push batch, will retry next round",
				zap.Int("batch_number", batchNum+1),
				zap.Int("total_batches", totalBatches),
				zap.Int("pending_samples", len(samples)-start),
				zap.Error(err),
			)
			break
		}

		p.mu.Lock()
		p.cursor = batch[len(batch)-1].Timestamp
		p.pushed += uint64(len(batch))
		p.mu.Unlock()
		sent += len(batch)
	}
	return sent
}

// Push sends samples to Prometheus with retries
func (p *Pusher) Push(ctx context.Context, samples []types.ChannelSample) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("metrics.total_samples", len(samples)),
		),
	)
	defer span.End()

	if len(samples) == 0 {
		span.SetStatus(codes.Ok, "no samples to push")
		return nil
	}

	writeReq, err := p.buildWriteRequest(ctx, samples)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build write request")
		return fmt.Errorf("failed to build write request: %w", err)
	}
	if len(writeReq.Timeseries) == 0 {
		span.SetStatus(codes.Ok, "only gap markers in batch")
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.pushOnce(ctx, writeReq)
		if err == nil {
			p.mu.Lock()
			p.lastPush = time.Now()
			p.mu.Unlock()

			p.logger.Debug("pushed samples",
				zap.Int("sample_count", len(samples)),
				zap.Int("time_series_count", len(writeReq.Timeseries)),
				zap.Int("attempt", attempt),
			)
			span.SetAttributes(attribute.Int("metrics.successful_attempt", attempt))
			span.SetStatus(codes.Ok, "samples pushed")
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to push samples, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		span.AddEvent("push attempt failed",
			trace.WithAttributes(
				attribute.Int("metrics.attempt", attempt),
				attribute.String("error", err.Error()),
			),
		)

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(p.backoff << (attempt - 1)):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "failed after retries")
	return fmt.Errorf("failed to push samples after %d attempts: %w", maxAttempts, lastErr)
}

func (p *Pusher) buildWriteRequest(ctx context.Context, samples []types.ChannelSample) (*prompb.WriteRequest, error) {
	if p.tsBuilder == nil {
		return nil, fmt.Errorf("no TimeSeriesBuilder configured")
	}

	timeSeries, err := p.tsBuilder(ctx, samples)
	if err != nil {
		return nil, fmt.Errorf("time series builder failed: %w", err)
	}
	return &prompb.WriteRequest{Timeseries: timeSeries}, nil
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.pushOnce")
	defer span.End()

	data, err := proto.Marshal(writeReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal protobuf")
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}

	compressed := snappy.Encode(nil, data)
	span.SetAttributes(
		attribute.Int("metrics.protobuf_size_bytes", len(data)),
		attribute.Int("metrics.compressed_size_bytes", len(compressed)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(compressed))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-2xx response")
		return err
	}

	span.SetStatus(codes.Ok, "push successful")
	return nil
}

// LastPushTime returns the time of the last successful push
func (p *Pusher) LastPushTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPush
}

// Cursor returns the timestamp of the newest pushed sample
func (p *Pusher) Cursor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Pushed returns the number of samples pushed so far
func (p *Pusher) Pushed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushed
}
