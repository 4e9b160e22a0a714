// Package logger implements a non-blocking, batched request logger.
//
// Entries go into a buffered channel and a background goroutine flushes them
// in batches to the configured sink, so logging never blocks the request hot
// path. When the channel fills (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// Sinks: SlogSink (default, structured JSON to the process logger) and
// ClickHouseSink (durable request log table for offline analysis).
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed request.
type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	Strategy     string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	Attempts     uint8
	CacheStatus  string
	CreatedAt    time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine and should not retain the slice.
type Sink interface {
	WriteBatch(ctx context.Context, batch []RequestLog) error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs atomic.Int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts the flush goroutine. A nil sink falls back to SlogSink on the
// given slogger.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues without blocking; full buffer drops the entry.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		l.droppedLogs.Add(1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return l.droppedLogs.Load()
}

// Close drains the channel, flushes the final batch, and stops the goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(l.baseCtx, batch); err != nil {
			l.log.Warn("request_log_flush_failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink emits one structured record per entry.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) WriteBatch(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.Log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("strategy", e.Strategy),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.String("cache", e.CacheStatus),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
