// Package logger records completed conversations without blocking the
// completion path.
//
// Log enqueues onto a buffered channel; a background goroutine drains it in
// batches and hands each batch to the configured Sink. When the channel is
// full the record is dropped and counted. Sink failures are logged and
// counted, never returned to the caller.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultWriteTimeout  = 5 * time.Second
)

// DropCounter is notified for every record lost to a full buffer.
type DropCounter interface {
	RecordDropped()
}

type Logger struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration
	drops         DropCounter

	ch        chan ConversationRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

type Option func(*Logger)

func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ch = make(chan ConversationRecord, n)
		}
	}
}

func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

func WithDropCounter(c DropCounter) Option {
	return func(l *Logger) { l.drops = c }
}

func WithLogger(s *slog.Logger) Option {
	return func(l *Logger) { l.log = s }
}

// New starts the background writer. A nil sink logs records through slog.
func New(ctx context.Context, sink Sink, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}

	l := &Logger{
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		writeTimeout:  defaultWriteTimeout,
		ch:            make(chan ConversationRecord, defaultBuffer),
		done:          make(chan struct{}),
		baseCtx:       ctx,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if sink == nil {
		sink = NewSlogSink(l.log)
	}
	l.sink = sink

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues rec. It never blocks.
func (l *Logger) Log(rec ConversationRecord) {
	select {
	case l.ch <- rec:
	default:
		l.dropped.Add(1)
		if l.drops != nil {
			l.drops.RecordDropped()
		}
	}
}

// DroppedLogs is the number of records lost to a full buffer.
func (l *Logger) DroppedLogs() int64 { return l.dropped.Load() }

// FailedWrites is the number of records in batches the sink rejected.
func (l *Logger) FailedWrites() int64 { return l.failed.Load() }

// Close flushes everything queued so far, stops the writer and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]ConversationRecord, 0, l.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The sink may outlive a cancelled base context during shutdown.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), l.writeTimeout)
		defer cancel()

		if err := l.sink.Write(ctx, batch); err != nil {
			l.failed.Add(int64(len(batch)))
			l.log.ErrorContext(ctx, "conversation_log_write_failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = make([]ConversationRecord, 0, l.batchSize)
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= l.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= l.batchSize {
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

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
