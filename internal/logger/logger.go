// Package logger implements a non-blocking, batched upstream attempt logger.
//
// Every provider attempt made by the executors is written to an internal
// buffered channel and flushed in batches by a background goroutine, so
// logging never blocks a dispatch worker. If the channel fills up
// (> 10 000 entries), new entries are dropped and counted in DroppedLogs.
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

// AttemptLog describes one HTTP attempt against a provider.
type AttemptLog struct {
	ID        uuid.UUID
	RequestID string
	Route     string
	Provider  string
	Model     string
	// Item is the batch index or media id; empty for single calls.
	Item      string
	Round     int
	Attempt   int
	Status    int
	Outcome   string
	Latency   time.Duration
	CreatedAt time.Time
}

type Logger struct {
	ch        chan AttemptLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan AttemptLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. It never blocks; a nil Logger discards everything.
func (l *Logger) Log(entry AttemptLog) {
	if l == nil {
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

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

	batch := make([]AttemptLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "upstream_attempt",
				slog.String("id", e.ID.String()),
				slog.String("request_id", e.RequestID),
				slog.String("route", e.Route),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("item", e.Item),
				slog.Int("round", e.Round),
				slog.Int("attempt", e.Attempt),
				slog.Int("status", e.Status),
				slog.String("outcome", e.Outcome),
				slog.Int64("latency_ms", e.Latency.Milliseconds()),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
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
