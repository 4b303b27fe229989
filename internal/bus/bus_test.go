package bus

import (
	"fmt"
	"sync"
	"testing"
)

func TestPublishOrderAndDispose(t *testing.T) {
	b := New[string]()
	var got []string
	d1 := b.Subscribe(func(s string) { got = append(got, "1:"+s) })
	b.Subscribe(func(s string) { got = append(got, "2:"+s) })

	b.Publish("a")
	d1()
	d1()
	b.Publish("b")

	if fmt.Sprint(got) != "[1:a 2:a 2:b]" {
		t.Errorf("got %v", got)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}

func TestDisposeInsideHandler(t *testing.T) {
	b := New[int]()
	calls := 0
	var dispose func()
	dispose = b.Subscribe(func(int) {
		calls++
		dispose()
	})
	other := 0
	b.Subscribe(func(int) { other++ })

	b.Publish(1)
	b.Publish(2)

	if calls != 1 {
		t.Errorf("self-disposing handler called %d times, want 1", calls)
	}
	if other != 2 {
		t.Errorf("other handler called %d times, want 2", other)
	}
}

func TestSubscribeInsideHandlerAppliesNextPublish(t *testing.T) {
	b := New[int]()
	late := 0
	added := false
	b.Subscribe(func(int) {
		if !added {
			added = true
			b.Subscribe(func(int) { late++ })
		}
	})
	b.Publish(1)
	if late != 0 {
		t.Errorf("late subscriber saw the current publish")
	}
	b.Publish(2)
	if late != 1 {
		t.Errorf("late = %d, want 1", late)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New[int]()
	var mu sync.Mutex
	sum := 0
	b.Subscribe(func(v int) {
		mu.Lock()
		sum += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(i)
		}()
	}
	wg.Wait()
	if sum != 5050 {
		t.Errorf("sum = %d, want 5050", sum)
	}
}
