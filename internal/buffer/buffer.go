// Package buffer is the bounded ingestion queue between sources and
// the partition writers. A single flusher goroutine dequeues in
// arrival order and hands batches to the sink, which preserves
// per-source FIFO; cross-source ordering is not guaranteed.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"grepwise/internal/logentry"
	"grepwise/internal/logging"
)

// ErrFull is returned to a producer whose enqueue timed out. The
// source decides what to do: syslog UDP drops, the tailer retries,
// HTTP answers 503.
var ErrFull = errors.New("buffer full")

// Sink receives flushed batches. It is called from the single flusher
// goroutine, never concurrently.
type Sink func(entries []logentry.LogEntry)

// Options tune the buffer. Zero values take the defaults.
type Options struct {
	Capacity        int           // queue slots, default 10000
	BatchSize       int           // flush threshold, default 500
	FlushInterval   time.Duration // flush cadence, default 1s
	ProducerTimeout time.Duration // Add wait bound, default 200ms
	Logger          *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.ProducerTimeout <= 0 {
		o.ProducerTimeout = 200 * time.Millisecond
	}
}

// Buffer is the bounded queue plus its flusher.
type Buffer struct {
	opts   Options
	sink   Sink
	logger *slog.Logger

	ch       chan logentry.LogEntry
	flushReq chan chan struct{}
}

func New(opts Options, sink Sink) *Buffer {
	opts.applyDefaults()
	return &Buffer{
		opts:     opts,
		sink:     sink,
		logger:   logging.Default(opts.Logger).With("component", "buffer"),
		ch:       make(chan logentry.LogEntry, opts.Capacity),
		flushReq: make(chan chan struct{}),
	}
}

// Add enqueues one entry, blocking up to the producer timeout when the
// queue is full. Returns ErrFull on timeout.
func (b *Buffer) Add(e logentry.LogEntry) error {
	select {
	case b.ch <- e:
		return nil
	default:
	}
	timer := time.NewTimer(b.opts.ProducerTimeout)
	defer timer.Stop()
	select {
	case b.ch <- e:
		return nil
	case <-timer.C:
		return ErrFull
	}
}

// Len returns the current queue depth.
func (b *Buffer) Len() int {
	return len(b.ch)
}

// Flush forces a flush of everything queued so far and waits for the
// sink call to complete. Only valid while Run is active.
func (b *Buffer) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the flusher loop. Batches go to the sink when the batch size
// is reached, the interval elapses, or Flush is called. On shutdown
// the queue is drained and flushed one last time.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]logentry.LogEntry, 0, b.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.sink(batch)
		batch = make([]logentry.LogEntry, 0, b.opts.BatchSize)
	}
	drain := func() {
		for {
			select {
			case e := <-b.ch:
				batch = append(batch, e)
				if len(batch) >= b.opts.BatchSize {
					flush()
				}
			default:
				return
			}
		}
	}

	b.logger.Info("buffer flusher started",
		"capacity", b.opts.Capacity,
		"batchSize", b.opts.BatchSize,
		"flushInterval", b.opts.FlushInterval)

	for {
		select {
		case <-ctx.Done():
			drain()
			flush()
			b.logger.Info("buffer flusher stopped")
			return ctx.Err()
		case e := <-b.ch:
			batch = append(batch, e)
			if len(batch) >= b.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-b.flushReq:
			drain()
			flush()
			close(ack)
		}
	}
}
