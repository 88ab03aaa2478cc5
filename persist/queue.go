package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mjasion/balena-home/balkon/pkg/types"
)

// Appender is the sink a WriteQueue drains into
type Appender interface {
	Append(types.ChannelSample) error
}

type entry struct {
	sample types.ChannelSample
	stop   bool
}

// WriteQueue is an unbounded FIFO between the capture path and a single writer goroutine
// Enqueue never waits on disk; Close enqueues a sentinel and waits until every earlier row is written
type WriteQueue struct {
	sink   Appender
	logger *zap.Logger
	errLog *rate.Limiter

	mu     sync.Mutex
	closed bool
	in     chan entry
	out    chan entry
	done   chan struct{}

	pending atomic.Int64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewWriteQueue creates the queue and starts its buffering goroutine
// Call Run in its own goroutine to start the consumer
func NewWriteQueue(sink Appender, logger *zap.Logger) *WriteQueue {
	q := &WriteQueue{
		sink:   sink,
		logger: logger,
		errLog: rate.NewLimiter(rate.Every(time.Minute), 1),
		in:     make(chan entry),
		out:    make(chan entry),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Enqueue hands a sample to the writer; it returns false once the queue is closed
func (q *WriteQueue) Enqueue(s types.ChannelSample) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.pending.Add(1)
	q.in <- entry{sample: s}
	return true
}

// Run consumes rows until the sentinel arrives
func (q *WriteQueue) Run() {
	defer close(q.done)

	q.logger.Info("write queue consumer started")
	for e := range q.out {
		if e.stop {
			q.logger.Info("write queue drained",
				zap.Uint64("written", q.written.Load()),
				zap.Uint64("failed", q.failed.Load()))
			return
		}

		if err := q.sink.Append(e.sample); err != nil {
			q.failed.Add(1)
			if q.errLog.Allow() {
				q.logger.Error("failed to persist sample",
					zap.Float64("timestamp", e.sample.Timestamp),
					zap.Uint64("failed_total", q.failed.Load()),
					zap.Error(err))
			}
		} else {
			q.written.Add(1)
		}
		q.pending.Add(-1)
	}
}

// Close enqueues the sentinel and waits for the consumer to finish or ctx to expire
func (q *WriteQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.in <- entry{stop: true}
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of rows waiting to be written
func (q *WriteQueue) Pending() int {
	return int(q.pending.Load())
}

// Written returns the number of rows persisted
func (q *WriteQueue) Written() uint64 {
	return q.written.Load()
}

// Failed returns the number of rows that could not be persisted
func (q *WriteQueue) Failed() uint64 {
	return q.failed.Load()
}

// pump moves entries from in to out through an unbounded slice so senders never block on the consumer
func (q *WriteQueue) pump() {
	var (
		in      = q.in
		out     chan entry
		next    entry
		backlog []entry
	)

	for {
		select {
		case e := <-in:
			if e.stop {
				in = nil
			}
			if out == nil {
				next, out = e, q.out
			} else {
				backlog = append(backlog, e)
			}
		case out <- next:
			if next.stop {
				close(q.out)
				return
			}
			if len(backlog) == 0 {
				out = nil
				backlog = nil
				continue
			}
			next, backlog = backlog[0], backlog[1:]
		}
	}
}
