// Package audit keeps the append-only record of who asked what, what was
// retrieved, and what was answered.
//
// Append is bounded best-effort: it never blocks the response path. Under
// sink backpressure or outage the in-memory buffer absorbs records; once
// the buffer is full, records are dropped and counted, never silently
// discarded.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Record is one query's audit entry. Records are write-once; retention and
// deletion are external policy.
type Record struct {
	QueryID           string
	PrincipalID       string
	Timestamp         time.Time
	RetrievedChunkIDs []string // ranked order
	Answer            string   // empty on failure
	FailureReason     string   // empty on success
	Latency           time.Duration
}

// Sink persists records. Postgres (PGSink) is the production
// implementation; Memory backs tests.
type Sink interface {
	Insert(ctx context.Context, rec Record) error
}

// Log is the buffered, non-blocking audit writer. Safe for unlimited
// concurrent appenders.
type Log struct {
	sink    Sink
	logger  *slog.Logger
	buf     chan Record
	dropped atomic.Int64

	closeMu sync.RWMutex // guards closed against concurrent Append/Close
	closed  bool

	closeOnce sync.Once
	done      chan struct{} // closed when the flusher exits
}

// New creates a Log with the given buffer capacity and starts the
// background flusher. Call Close to drain and stop it.
func New(sink Sink, capacity int, logger *slog.Logger) *Log {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Log{
		sink:   sink,
		logger: logger,
		buf:    make(chan Record, capacity),
		done:   make(chan struct{}),
	}
	go l.flush()
	return l
}

// Append enqueues a record. It returns immediately; when the buffer is
// full the record is dropped and the drop counter incremented.
func (l *Log) Append(rec Record) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()

	if l.closed {
		n := l.dropped.Add(1)
		l.logger.Warn("audit log closed, record dropped",
			"query_id", rec.QueryID, "total_dropped", n)
		return
	}
	select {
	case l.buf <- rec:
	default:
		n := l.dropped.Add(1)
		l.logger.Warn("audit buffer full, record dropped",
			"query_id", rec.QueryID, "total_dropped", n)
	}
}

// Dropped returns the number of records lost to buffer overflow since
// startup. Exposed so sustained sink outages are visible, never silent.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// flush is the single background writer. One writer keeps the sink free
// of append contention; the channel provides the fan-in.
func (l *Log) flush() {
	defer close(l.done)
	for rec := range l.buf {
		// A failed insert is a dropped record. The flusher stays up; the
		// counter makes the loss observable.
		if err := l.sink.Insert(context.Background(), rec); err != nil {
			n := l.dropped.Add(1)
			l.logger.Warn("audit sink insert failed, record dropped",
				"query_id", rec.QueryID, "error", err, "total_dropped", n)
		}
	}
}

// Close stops accepting records, drains the buffer, and waits for the
// flusher to finish or ctx to expire.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		close(l.buf)
		l.closeMu.Unlock()
	})

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain interrupted: %w", ctx.Err())
	}
}
