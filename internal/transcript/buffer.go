// Package transcript batches final recognition results and persists them in
// bulk, so a chatty session does not turn into a write per utterance.
package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/repository"
	"github.com/eumlab/speechbridge/internal/transcriber"
)

const (
	defaultFlushCount    = 10
	defaultFlushInterval = 10 * time.Second
	flushTimeout         = 10 * time.Second
)

// Store is the slice of the repository the buffer needs.
type Store interface {
	SaveSegments(ctx context.Context, sessionID string, segments []repository.SegmentRecord) error
}

// BufferFactory builds the per-session buffer at session start.
type BufferFactory func(sessionID string) *Buffer

type BufferConfig struct {
	SessionID     string
	Store         Store
	Metrics       *metrics.Metrics
	FlushCount    int
	FlushInterval time.Duration
}

// Buffer accumulates final segments for one session. A flush is triggered by
// reaching FlushCount, by the interval ticker, or by Close. A failed flush
// keeps its batch and retries on the next trigger; segments are never
// dropped.
type Buffer struct {
	sessionID  string
	store      Store
	metrics    *metrics.Metrics
	flushCount int

	mu        sync.Mutex
	pending   []repository.SegmentRecord
	nextIndex int
	closed    bool

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	ticker    *time.Ticker
}

func NewBuffer(cfg BufferConfig) *Buffer {
	count := cfg.FlushCount
	if count <= 0 {
		count = defaultFlushCount
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	b := &Buffer{
		sessionID:  cfg.SessionID,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		flushCount: count,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		ticker:     time.NewTicker(interval),
	}
	go b.flushLoop()
	return b
}

// Append queues one result. Partial results are ignored; only finals are
// worth persisting. Segment indexes are assigned here, in arrival order.
func (b *Buffer) Append(result transcriber.Result) {
	if result.IsPartial {
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, repository.SegmentRecord{
		ResultID:     result.ResultID,
		SegmentIndex: b.nextIndex,
		Content:      result.Text,
		StartMS:      result.StartMS,
		EndMS:        result.EndMS,
	})
	b.nextIndex++
	closed := b.closed
	full := len(b.pending) >= b.flushCount
	b.mu.Unlock()

	if closed {
		// The flush loop is gone; write through so a late final still lands.
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := b.Flush(ctx); err != nil {
			slog.Warn("late segment flush failed", "session_id", b.sessionID, "error", err)
		}
		return
	}
	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// SegmentCount reports how many finals have been appended over the buffer's
// lifetime, flushed or not.
func (b *Buffer) SegmentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextIndex
}

func (b *Buffer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush writes everything pending. On failure the batch goes back to the
// front of the queue in its original order.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := b.store.SaveSegments(ctx, b.sessionID, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.FlushFailed()
		}
		return err
	}
	if b.metrics != nil {
		b.metrics.FlushSucceeded(len(batch))
	}
	return nil
}

// Close stops the flush loop and writes the remainder.
func (b *Buffer) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.ticker.Stop()
		close(b.done)
	})
	return b.Flush(ctx)
}

func (b *Buffer) flushLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
		case <-b.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := b.Flush(ctx); err != nil {
			slog.Warn("transcript flush failed; batch retained",
				"session_id", b.sessionID, "pending", b.pendingCount(), "error", err)
		}
		cancel()
	}
}
