package cacheclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nostr-sync/internal/types"
)

const (
	DefaultMaxDelay = 1 * time.Second
	DefaultMaxBatch = 100

	flushTimeout = 10 * time.Second
)

// FlushFunc delivers one batch
type FlushFunc func(ctx context.Context, events []*types.Event) error

// QueueConfig bounds how long events wait and how many go in one flush
type QueueConfig struct {
	MaxDelay time.Duration
	MaxBatch int
	Logger   *slog.Logger
}

// IngestQueue coalesces events into batched flushes. A batch is sent when
// it reaches MaxBatch or MaxDelay after its first event, whichever comes
// first. Failed batches are dropped, never retried.
type IngestQueue struct {
	flush    FlushFunc
	maxDelay time.Duration
	maxBatch int
	log      *slog.Logger

	mu      sync.Mutex
	pending []*types.Event
	ids     map[string]struct{}
	timer   *time.Timer
	closed  bool

	inflight sync.WaitGroup

	flushes atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
}

// NewIngestQueue creates a queue that delivers batches through flush
func NewIngestQueue(flush FlushFunc, cfg QueueConfig) *IngestQueue {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &IngestQueue{
		flush:    flush,
		maxDelay: cfg.MaxDelay,
		maxBatch: cfg.MaxBatch,
		log:      cfg.Logger,
		ids:      make(map[string]struct{}),
	}
}

// ClientFlush adapts Client.Ingest to a FlushFunc
func ClientFlush(c *Client) FlushFunc {
	return func(ctx context.Context, events []*types.Event) error {
		_, err := c.Ingest(ctx, events)
		return err
	}
}

// Add queues an event. Duplicates of an event already waiting are ignored.
func (q *IngestQueue) Add(evt *types.Event) {
	if evt == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, dup := q.ids[evt.ID]; dup {
		q.mu.Unlock()
		return
	}
	q.ids[evt.ID] = struct{}{}
	q.pending = append(q.pending, evt)

	if len(q.pending) >= q.maxBatch {
		batch := q.takeLocked()
		q.mu.Unlock()
		q.send(batch)
		return
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(q.maxDelay, q.onTimer)
	}
	q.mu.Unlock()
}

func (q *IngestQueue) onTimer() {
	q.mu.Lock()
	batch := q.takeLocked()
	q.mu.Unlock()
	q.send(batch)
}

// takeLocked removes the pending batch and disarms the timer
func (q *IngestQueue) takeLocked() []*types.Event {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	batch := q.pending
	q.pending = nil
	q.ids = make(map[string]struct{})
	return batch
}

func (q *IngestQueue) send(batch []*types.Event) {
	if len(batch) == 0 {
		return
	}
	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()

		q.flushes.Add(1)
		if err := q.flush(ctx, batch); err != nil {
			q.dropped.Add(int64(len(batch)))
			q.log.Debug("ingest batch dropped", "events", len(batch), "error", err)
			return
		}
		q.sent.Add(int64(len(batch)))
	}()
}

// Close flushes anything pending and waits for in-flight batches or ctx
func (q *IngestQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	batch := q.takeLocked()
	q.mu.Unlock()
	q.send(batch)

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueStats are cumulative queue counters
type QueueStats struct {
	Pending int   `json:"pending"`
	Flushes int64 `json:"flushes"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Stats returns current queue statistics
func (q *IngestQueue) Stats() QueueStats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return QueueStats{
		Pending: pending,
		Flushes: q.flushes.Load(),
		Sent:    q.sent.Load(),
		Dropped: q.dropped.Load(),
	}
}
