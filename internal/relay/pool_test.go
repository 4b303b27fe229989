package relay

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"nostr-sync/internal/testutil"
	"nostr-sync/internal/types"
)

func newTestPool(t *testing.T, opts Options, urls ...string) *Pool {
	t.Helper()
	pool := NewPool(opts)
	for _, url := range urls {
		if _, err := pool.AddRelay(url); err != nil {
			t.Fatalf("AddRelay(%s) failed: %v", url, err)
		}
	}
	t.Cleanup(pool.Close)
	return pool
}

func waitConnected(t *testing.T, pool *Pool) {
	t.Helper()
	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		for _, r := range pool.Relays() {
			if r.Status != StatusConnected {
				return false
			}
		}
		return true
	})
	if !ok {
		t.Fatalf("pool never connected: %+v", pool.Relays())
	}
}

func TestPoolDeduplicatesAcrossRelays(t *testing.T) {
	r1 := testutil.NewFakeRelay(t)
	r2 := testutil.NewFakeRelay(t)
	r3 := testutil.NewFakeRelay(t)
	signer := testutil.NewSigner(t)
	shared := testutil.SignedEvent(t, signer, types.KindTextNote, 10, "everywhere")
	only := testutil.SignedEvent(t, signer, types.KindTextNote, 11, "only r3")
	r1.Store(shared)
	r2.Store(shared)
	r3.Store(shared, only)

	pool := newTestPool(t, testOptions(), r1.URL, r2.URL, r3.URL)
	waitConnected(t, pool)

	var mu sync.Mutex
	counts := map[string]int{}
	eoseFrom := map[string]int{}
	pool.Subscribe([]types.Filter{{Kinds: []int{types.KindTextNote}}},
		func(evt *types.Event) {
			mu.Lock()
			counts[evt.ID]++
			mu.Unlock()
		},
		func(url string) {
			mu.Lock()
			eoseFrom[url]++
			mu.Unlock()
		})

	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(eoseFrom) == 3
	})
	if !ok {
		t.Fatalf("EOSE from %d relays, want 3", len(eoseFrom))
	}

	// A live copy arriving later is still a duplicate
	r2.Broadcast(shared)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts[shared.ID] != 1 {
		t.Errorf("shared event delivered %d times, want 1", counts[shared.ID])
	}
	if counts[only.ID] != 1 {
		t.Errorf("single-relay event delivered %d times, want 1", counts[only.ID])
	}
	for url, n := range eoseFrom {
		if n != 1 {
			t.Errorf("EOSE from %s fired %d times", url, n)
		}
	}
}

func TestPoolSeparateSubscriptionsBothReceive(t *testing.T) {
	r1 := testutil.NewFakeRelay(t)
	signer := testutil.NewSigner(t)
	evt := testutil.SignedEvent(t, signer, types.KindTextNote, 10, "hello")
	r1.Store(evt)

	pool := newTestPool(t, testOptions(), r1.URL)
	waitConnected(t, pool)

	a, b := &collector{}, &collector{}
	filters := []types.Filter{{IDs: []string{evt.ID}}}
	pool.Subscribe(filters, a.onEvent, nil)
	pool.Subscribe(filters, b.onEvent, nil)

	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		na, _ := a.counts()
		nb, _ := b.counts()
		return na == 1 && nb == 1
	})
	if !ok {
		t.Error("each pool subscription should see the event once")
	}
}

func TestPoolPublishAggregation(t *testing.T) {
	accepts := testutil.NewFakeRelay(t)
	rejects := testutil.NewFakeRelay(t)
	rejects.SetPublishBehavior(testutil.PublishReject, "blocked")
	silent := testutil.NewFakeRelay(t)
	silent.SetPublishBehavior(testutil.PublishIgnore, "")

	opts := testOptions()
	opts.PublishTimeout = 300 * time.Millisecond
	pool := newTestPool(t, opts, accepts.URL, rejects.URL, silent.URL)
	waitConnected(t, pool)

	evt := testutil.SignedEvent(t, testutil.NewSigner(t), types.KindTextNote, 1, "fan out")
	start := time.Now()
	results := pool.Publish(context.Background(), evt)
	elapsed := time.Since(start)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(results), results)
	}
	if res := results[accepts.URL]; !res.Accepted {
		t.Errorf("accepting relay: %+v", res)
	}
	if res := results[rejects.URL]; res.Accepted || res.Message != "blocked" {
		t.Errorf("rejecting relay: %+v", res)
	}
	if res := results[silent.URL]; res.Accepted || res.Message != "timeout" {
		t.Errorf("silent relay: %+v", res)
	}
	if elapsed > time.Second {
		t.Errorf("Publish took %v, want bounded by the publish timeout", elapsed)
	}
}

func TestPoolPublishToInvalidURL(t *testing.T) {
	relay := testutil.NewFakeRelay(t)
	pool := newTestPool(t, testOptions())

	evt := testutil.SignedEvent(t, testutil.NewSigner(t), types.KindTextNote, 1, "subset")
	results := pool.PublishTo(context.Background(), []string{relay.URL + "/", "https://nope.example"}, evt)

	if !results[relay.URL].Accepted {
		t.Errorf("valid relay: %+v", results[relay.URL])
	}
	if res, ok := results["https://nope.example"]; !ok || res.Accepted {
		t.Errorf("invalid relay: %+v", res)
	}
}

func TestPoolAddRelayNormalizes(t *testing.T) {
	relay := testutil.NewFakeRelay(t)
	pool := newTestPool(t, testOptions(), relay.URL, relay.URL+"/", relay.URL+"//")

	if urls := pool.URLs(); len(urls) != 1 || urls[0] != relay.URL {
		t.Errorf("URLs() = %v, want [%s]", urls, relay.URL)
	}
	if _, err := pool.AddRelay("not a url"); err == nil {
		t.Error("AddRelay accepted an invalid URL")
	}

	pool.RemoveRelay(relay.URL + "/")
	if urls := pool.URLs(); len(urls) != 0 {
		t.Errorf("URLs() after remove = %v", urls)
	}
}

func TestPoolUnsubscribeClosesEverywhere(t *testing.T) {
	r1 := testutil.NewFakeRelay(t)
	r2 := testutil.NewFakeRelay(t)
	pool := newTestPool(t, testOptions(), r1.URL, r2.URL)
	waitConnected(t, pool)

	sub := pool.Subscribe([]types.Filter{{Kinds: []int{1}}}, func(*types.Event) {}, nil)
	testutil.WaitFor(t, 2*time.Second, func() bool { return len(r1.Reqs()) == 1 && len(r2.Reqs()) == 1 })
	if got := sub.Relays(); len(got) != 2 {
		t.Fatalf("subscription issued to %v", got)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	ok := testutil.WaitFor(t, 2*time.Second, func() bool {
		return len(r1.Closes()) == 1 && len(r2.Closes()) == 1
	})
	if !ok {
		t.Errorf("CLOSE counts r1=%d r2=%d", len(r1.Closes()), len(r2.Closes()))
	}
}

func TestPoolSubscribeRelaysSubset(t *testing.T) {
	r1 := testutil.NewFakeRelay(t)
	r2 := testutil.NewFakeRelay(t)
	pool := newTestPool(t, testOptions(), r1.URL)

	c := &collector{}
	pool.SubscribeRelays([]string{r2.URL}, []types.Filter{{Kinds: []int{1}}}, c.onEvent, func(string) { c.onEose() })

	if !testutil.WaitFor(t, 2*time.Second, func() bool { _, e := c.counts(); return e == 1 }) {
		t.Fatal("EOSE from subset relay never arrived")
	}
	if len(r1.Reqs()) != 0 {
		t.Errorf("relay outside the subset got %d REQs", len(r1.Reqs()))
	}
	if len(pool.URLs()) != 2 {
		t.Errorf("subset relay not added as a member: %v", pool.URLs())
	}
}

func TestPoolSetAuthSignerReachesNewMembers(t *testing.T) {
	relay := testutil.NewFakeRelay(t)
	relay.RequireAuth("pool-challenge")
	signer := testutil.NewSigner(t)

	pool := newTestPool(t, testOptions())
	pool.SetAuthSigner(signer)
	if _, err := pool.AddRelay(relay.URL); err != nil {
		t.Fatal(err)
	}

	ok := testutil.WaitFor(t, 2*time.Second, func() bool { return len(relay.AuthedPubkeys()) == 1 })
	if !ok {
		t.Fatal("new member never authenticated")
	}
}

func TestSeenSetEvictsOldestHalf(t *testing.T) {
	s := NewSeenSet(10)
	for i := 0; i < 10; i++ {
		if !s.Add(strconv.Itoa(i)) {
			t.Fatalf("key %d reported as seen", i)
		}
	}
	if s.Add("3") {
		t.Error("duplicate key reported as new")
	}

	s.Add("10")
	if s.Len() > 10 {
		t.Errorf("Len() = %d exceeds cap", s.Len())
	}
	if s.Contains("0") || s.Contains("4") {
		t.Error("oldest half should have been evicted")
	}
	if !s.Contains("5") || !s.Contains("10") {
		t.Error("newest half should be kept")
	}
}
