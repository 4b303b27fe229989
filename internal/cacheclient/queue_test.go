package cacheclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nostr-sync/internal/testutil"
	"nostr-sync/internal/types"
)

type recordingFlush struct {
	mu      sync.Mutex
	batches [][]*types.Event
	err     error
}

func (r *recordingFlush) flush(ctx context.Context, events []*types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return r.err
}

func (r *recordingFlush) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, len(b))
	}
	return out
}

func fakeEvents(n int) []*types.Event {
	out := make([]*types.Event, n)
	for i := range out {
		out[i] = &types.Event{ID: fmt.Sprintf("%064x", i+1)}
	}
	return out
}

func TestQueueCoalescesWithinDelay(t *testing.T) {
	rec := &recordingFlush{}
	q := NewIngestQueue(rec.flush, QueueConfig{MaxDelay: 50 * time.Millisecond, MaxBatch: 100, Logger: discard})

	for _, evt := range fakeEvents(3) {
		q.Add(evt)
	}
	if got := rec.sizes(); len(got) != 0 {
		t.Fatalf("flushed before the delay: %v", got)
	}
	if !testutil.WaitFor(t, time.Second, func() bool { return len(rec.sizes()) == 1 }) {
		t.Fatal("no flush after max delay")
	}
	if got := rec.sizes(); got[0] != 3 {
		t.Errorf("batch sizes = %v, want [3]", got)
	}
}

func TestQueueFlushesEagerlyAtMaxBatch(t *testing.T) {
	rec := &recordingFlush{}
	q := NewIngestQueue(rec.flush, QueueConfig{MaxDelay: time.Hour, MaxBatch: 100, Logger: discard})

	for _, evt := range fakeEvents(250) {
		q.Add(evt)
	}
	if !testutil.WaitFor(t, time.Second, func() bool { return len(rec.sizes()) == 2 }) {
		t.Fatalf("batches = %v, want two full batches", rec.sizes())
	}
	if st := q.Stats(); st.Pending != 50 {
		t.Errorf("pending = %d, want 50", st.Pending)
	}

	if err := q.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := rec.sizes()
	if fmt.Sprint(got) != "[100 100 50]" {
		t.Errorf("batch sizes = %v, want [100 100 50]", got)
	}
	if st := q.Stats(); st.Sent != 250 || st.Flushes != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueueDropsFailedBatch(t *testing.T) {
	rec := &recordingFlush{err: errors.New("unreachable")}
	q := NewIngestQueue(rec.flush, QueueConfig{MaxDelay: 10 * time.Millisecond, MaxBatch: 10, Logger: discard})

	for _, evt := range fakeEvents(4) {
		q.Add(evt)
	}
	if !testutil.WaitFor(t, time.Second, func() bool { return q.Stats().Dropped == 4 }) {
		t.Fatalf("stats = %+v, want 4 dropped", q.Stats())
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.sizes(); len(got) != 1 {
		t.Errorf("flush attempts = %d, want 1 (no retry)", len(got))
	}
}

func TestQueueIgnoresDuplicatesAndAddsAfterClose(t *testing.T) {
	rec := &recordingFlush{}
	q := NewIngestQueue(rec.flush, QueueConfig{MaxDelay: time.Hour, MaxBatch: 10, Logger: discard})

	evt := fakeEvents(1)[0]
	q.Add(evt)
	q.Add(evt)
	q.Add(nil)
	q.Close(context.Background())
	q.Add(fakeEvents(2)[1])

	if got := rec.sizes(); fmt.Sprint(got) != "[1]" {
		t.Errorf("batch sizes = %v, want [1]", got)
	}
	if st := q.Stats(); st.Pending != 0 {
		t.Errorf("pending after close = %d", st.Pending)
	}
}
