package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingLoader struct {
	calls atomic.Int64
	keys  atomic.Int64
	data  map[string]string
}

func (l *countingLoader) load(ctx context.Context, keys []string) (map[string]string, error) {
	l.calls.Add(1)
	l.keys.Add(int64(len(keys)))
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := l.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func newTestReadThrough(t *testing.T, load Loader[string]) *ReadThrough[string] {
	t.Helper()
	mc := NewMemoryCache(100, 0)
	t.Cleanup(func() { mc.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReadThrough("test", mc, time.Minute, time.Minute, load, log)
}

func TestReadThroughPositive(t *testing.T) {
	l := &countingLoader{data: map[string]string{"a": "alpha"}}
	rt := newTestReadThrough(t, l.load)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, ok, err := rt.Get(ctx, "a")
		if err != nil || !ok || v != "alpha" {
			t.Fatalf("Get = %q, %v, %v", v, ok, err)
		}
	}
	if l.calls.Load() != 1 {
		t.Errorf("loader calls = %d, want 1", l.calls.Load())
	}
	if rt.Hits() != 2 || rt.Misses() != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", rt.Hits(), rt.Misses())
	}
}

func TestReadThroughNegativeCaching(t *testing.T) {
	l := &countingLoader{data: map[string]string{}}
	rt := newTestReadThrough(t, l.load)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, ok, err := rt.Get(ctx, "absent"); err != nil || ok {
			t.Fatalf("Get absent = %v, %v", ok, err)
		}
	}
	if l.calls.Load() != 1 {
		t.Errorf("loader calls = %d, want 1", l.calls.Load())
	}
}

func TestReadThroughGetManyBackfillsMisses(t *testing.T) {
	l := &countingLoader{data: map[string]string{"a": "alpha", "b": "beta"}}
	rt := newTestReadThrough(t, l.load)
	ctx := context.Background()

	if _, _, err := rt.Get(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	got, err := rt.GetMany(ctx, []string{"a", "b", "x", "y", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["a"] != "alpha" || got["b"] != "beta" {
		t.Errorf("GetMany = %v", got)
	}
	// one load for "a", one load for the three misses together
	if l.calls.Load() != 2 || l.keys.Load() != 4 {
		t.Errorf("loader calls/keys = %d/%d, want 2/4", l.calls.Load(), l.keys.Load())
	}

	if _, err := rt.GetMany(ctx, []string{"a", "b", "x", "y"}); err != nil {
		t.Fatal(err)
	}
	if l.calls.Load() != 2 {
		t.Errorf("second GetMany reached the loader: calls = %d", l.calls.Load())
	}
}

func TestReadThroughInvalidate(t *testing.T) {
	l := &countingLoader{data: map[string]string{}}
	rt := newTestReadThrough(t, l.load)
	ctx := context.Background()

	rt.Get(ctx, "k")
	l.data["k"] = "now present"
	rt.Invalidate(ctx, "k")

	v, ok, _ := rt.Get(ctx, "k")
	if !ok || v != "now present" {
		t.Errorf("Get after invalidate = %q, %v", v, ok)
	}
	if l.calls.Load() != 2 {
		t.Errorf("loader calls = %d, want 2", l.calls.Load())
	}
}

func TestReadThroughLoaderError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	rt := newTestReadThrough(t, func(ctx context.Context, keys []string) (map[string]string, error) {
		calls++
		return nil, boom
	})
	ctx := context.Background()

	if _, _, err := rt.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := rt.GetMany(ctx, []string{"k"}); !errors.Is(err, boom) {
		t.Fatalf("GetMany err = %v, want boom", err)
	}
	// errors are not cached
	rt.Get(ctx, "k")
	if calls != 3 {
		t.Errorf("loader calls = %d, want 3", calls)
	}
}

func TestReadThroughCoalescesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	rt := newTestReadThrough(t, func(ctx context.Context, keys []string) (map[string]string, error) {
		calls.Add(1)
		<-release
		return map[string]string{"k": "v"}, nil
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok, err := rt.Get(ctx, "k"); err != nil || !ok || v != "v" {
				t.Errorf("Get = %q, %v, %v", v, ok, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("loader calls = %d, want 1", calls.Load())
	}
}

func TestReadThroughInvalidateDuringLoad(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	rt := newTestReadThrough(t, func(ctx context.Context, keys []string) (map[string]string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return map[string]string{"k": "stale"}, nil
		}
		return map[string]string{"k": "fresh"}, nil
	})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Get(ctx, "k")
	}()
	<-started
	rt.Invalidate(ctx, "k")
	close(release)
	<-done

	v, _, _ := rt.Get(ctx, "k")
	if v != "fresh" {
		t.Errorf("Get after racing invalidate = %q, want fresh", v)
	}
}

func TestReadThroughSharedLoadOutlivesCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rt := newTestReadThrough(t, func(ctx context.Context, keys []string) (map[string]string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return map[string]string{"k": "v"}, nil
	})

	first, cancel := context.WithCancel(context.Background())
	go rt.Get(first, "k")
	<-started

	type result struct {
		v   string
		ok  bool
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, ok, err := rt.Get(context.Background(), "k")
		second <- result{v, ok, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	res := <-second
	if res.err != nil || !res.ok || res.v != "v" {
		t.Errorf("waiter Get = %q, %v, %v; want v, true, nil", res.v, res.ok, res.err)
	}
}
